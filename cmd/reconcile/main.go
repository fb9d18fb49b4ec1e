package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/zjoart/go-estate-crowdfund/internal/payment"
	"github.com/zjoart/go-estate-crowdfund/internal/project"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/internal/wallet"
	"github.com/zjoart/go-estate-crowdfund/pkg/config"
	"github.com/zjoart/go-estate-crowdfund/pkg/database"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
)

func main() {
	fix := flag.Bool("fix", false, "rewrite drifted balances from the ledger")
	withdrawals := flag.Bool("withdrawals", false, "resolve withdrawals stuck in flight against the gateway first")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall time limit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fail("Invalid configuration:", err)
	}
	logger.Init("production")

	db, err := database.Connect(cfg.Database.URL, 2)
	if err != nil {
		fail("Failed to connect to database:", err)
	}

	users := user.NewRepository(db)
	gateway := payment.NewStripe(cfg)
	service := wallet.NewService(cfg, wallet.NewRepository(db), project.NewRepository(db), users, gateway,
		payment.NewOnboarding(cfg, gateway, users))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *withdrawals {
		settled, reversed, err := service.ReconcileWithdrawals(ctx, cfg.Ledger.StuckWithdrawalAfter)
		if err != nil {
			fail("Failed to resolve stuck withdrawals:", err)
		}
		fmt.Printf("Stuck withdrawals: %s settled, %s reversed\n",
			color.GreenString("%d", settled), color.YellowString("%d", reversed))
	}

	report, err := service.Reconcile(ctx, *fix)
	if err != nil {
		fail("Reconciliation failed:", err)
	}
	printReport(report, *fix)

	if len(report.Drift)-report.Repaired > 0 {
		os.Exit(1)
	}
}

func printReport(report *wallet.ReconcileReport, fix bool) {
	if len(report.Drift) == 0 {
		color.Green("All wallet balances match the ledger")
		return
	}

	header := color.New(color.Bold)
	header.Printf("%-36s  %12s  %12s  %10s  %s\n", "USER", "CACHED", "LEDGER", "DELTA", "STATE")

	for _, d := range report.Drift {
		state := color.RedString("drifted")
		if d.Repaired {
			state = color.GreenString("repaired")
		}
		fmt.Printf("%-36s  %12s  %12s  %s  %s\n",
			d.UserID, cents(d.Cached), cents(d.Ledger), signed(d.Delta(), 10), state)
	}

	fmt.Println()
	summary := fmt.Sprintf("%d drifted, %d repaired, %d failed", len(report.Drift), report.Repaired, report.Failed)
	switch {
	case report.Failed > 0:
		color.Red("%s", summary)
	case !fix:
		color.Yellow("%s (run with -fix to repair)", summary)
	default:
		color.Green("%s", summary)
	}
}

func cents(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

// signed pads before colouring so escape codes do not skew the column.
func signed(delta int64, width int) string {
	if delta > 0 {
		return color.GreenString("%*s", width, "+"+cents(delta))
	}
	return color.RedString("%*s", width, cents(delta))
}

func fail(msg string, err error) {
	color.Red("%s %v", msg, err)
	os.Exit(2)
}
