package project

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&user.User{}, &Project{}, &Payment{}))
	return db
}

func seedProject(t *testing.T, db *gorm.DB, creatorID uuid.UUID, target, current int64) *Project {
	p := &Project{
		Name:          "Harbour Lofts",
		Type:          TypeResidential,
		Location:      "Lisbon",
		TargetAmount:  target,
		CurrentAmount: current,
		ReturnRate:    decimal.RequireFromString("7.50"),
		Duration:      "24 months",
		Description:   "Twelve loft apartments",
		CreatorID:     creatorID,
	}
	require.NoError(t, NewRepository(db).Create(context.Background(), p))
	return p
}

func reload(t *testing.T, db *gorm.DB, id uuid.UUID) Project {
	var p Project
	require.NoError(t, db.First(&p, "id = ?", id).Error)
	return p
}

func TestAdvance(t *testing.T) {
	db := setupTestDB(t)
	creator := uuid.New()

	t.Run("partial", func(t *testing.T) {
		p := seedProject(t, db, creator, 10000, 0)
		completed, err := Advance(db, p.ID, 4000)
		require.NoError(t, err)
		assert.False(t, completed)

		got := reload(t, db, p.ID)
		assert.Equal(t, int64(4000), got.CurrentAmount)
		assert.Equal(t, StatusActive, got.Status)
	})

	t.Run("exactly reaches target", func(t *testing.T) {
		p := seedProject(t, db, creator, 10000, 6000)
		completed, err := Advance(db, p.ID, 4000)
		require.NoError(t, err)
		assert.True(t, completed)

		got := reload(t, db, p.ID)
		assert.Equal(t, int64(10000), got.CurrentAmount)
		assert.Equal(t, StatusCompleted, got.Status)
	})

	t.Run("would overshoot", func(t *testing.T) {
		p := seedProject(t, db, creator, 10000, 6000)
		_, err := Advance(db, p.ID, 6000)
		assert.ErrorIs(t, err, ErrExceedsTarget)
		assert.Equal(t, int64(6000), reload(t, db, p.ID).CurrentAmount)
	})

	t.Run("not active", func(t *testing.T) {
		p := seedProject(t, db, creator, 10000, 0)
		require.NoError(t, NewRepository(db).Cancel(context.Background(), p.ID.String()))
		_, err := Advance(db, p.ID, 100)
		assert.ErrorIs(t, err, ErrNotActive)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := Advance(db, uuid.New(), 100)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRepository_ListAndCancel(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	creator := uuid.New()

	first := seedProject(t, db, creator, 10000, 0)
	second := seedProject(t, db, creator, 20000, 0)
	require.NoError(t, repo.Cancel(ctx, first.ID.String()))

	projects, total, err := repo.ListActive(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, projects, 1)
	assert.Equal(t, second.ID, projects[0].ID)
	assert.True(t, decimal.RequireFromString("7.5").Equal(projects[0].ReturnRate))

	assert.ErrorIs(t, repo.Cancel(ctx, first.ID.String()), ErrNotActive)
	assert.ErrorIs(t, repo.Cancel(ctx, uuid.NewString()), ErrNotFound)

	mine, err := repo.ListByCreator(ctx, creator.String())
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestRepository_Stakes(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	p := seedProject(t, db, uuid.New(), 100000, 0)
	alice, bob := uuid.New(), uuid.New()

	for i, pay := range []Payment{
		{ProjectID: p.ID, InvestorID: alice, Amount: 3000, Status: PaymentCompleted},
		{ProjectID: p.ID, InvestorID: alice, Amount: 2000, Status: PaymentCompleted},
		{ProjectID: p.ID, InvestorID: bob, Amount: 1000, Status: PaymentCompleted},
		{ProjectID: p.ID, InvestorID: bob, Amount: 9000, Status: PaymentRefunded},
	} {
		intent := uuid.NewString()
		pay.PaymentIntentID = &intent
		require.NoError(t, repo.CreatePayment(ctx, &pay), i)
	}

	stakes, err := repo.Stakes(ctx, p.ID.String())
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int64{alice: 5000, bob: 1000}, stakes)
}
