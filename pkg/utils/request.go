package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) (int, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return http.StatusUnsupportedMediaType, fmt.Errorf("Content-Type header is not application/json")
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1048576)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return http.StatusBadRequest, err
	}

	return http.StatusOK, nil
}

// DecodeAndValidate decodes the body into dst and runs its validate tags.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) (int, error) {
	if status, err := DecodeJSONBody(w, r, dst); err != nil {
		return status, err
	}
	if err := validate.Struct(dst); err != nil {
		return http.StatusBadRequest, validationError(err)
	}
	return http.StatusOK, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "email":
			msgs = append(msgs, fmt.Sprintf("%s must be a valid email", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
