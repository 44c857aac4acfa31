package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/reBalance888/tunearena/internal/battle"
	"github.com/reBalance888/tunearena/internal/ledger"
)

// Postgres persists to PostgreSQL through gorm.
type Postgres struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Connect opens the database, checks it answers within five seconds and
// migrates the schema.
func Connect(ctx context.Context, dsn string, log zerolog.Logger) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&battleModel{}, &entryModel{}, &voteModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &Postgres{db: db, log: log}, nil
}

type battleModel struct {
	Number     int64      `gorm:"column:number;primaryKey;autoIncrement:false"`
	Prompt     string     `gorm:"column:prompt"`
	EntryA     string     `gorm:"column:entry_a"`
	EntryB     string     `gorm:"column:entry_b"`
	TrackAURL  string     `gorm:"column:track_a_url"`
	TrackBURL  string     `gorm:"column:track_b_url"`
	Winner     string     `gorm:"column:winner"`
	Revealed   bool       `gorm:"column:revealed"`
	VotesA     int        `gorm:"column:votes_a"`
	VotesB     int        `gorm:"column:votes_b"`
	Volume     int64      `gorm:"column:volume"`
	EloGain    int        `gorm:"column:elo_gain"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
	RevealedAt *time.Time `gorm:"column:revealed_at"`
}

func (battleModel) TableName() string {
	return "battles"
}

type entryModel struct {
	Name      string    `gorm:"column:name;primaryKey"`
	Provider  string    `gorm:"column:provider"`
	Rating    int       `gorm:"column:rating"`
	Wins      int       `gorm:"column:wins"`
	Losses    int       `gorm:"column:losses"`
	Battles   int       `gorm:"column:battles"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (entryModel) TableName() string {
	return "entries"
}

type voteModel struct {
	ID           string    `gorm:"column:id;uniqueIndex"`
	BattleNumber int64     `gorm:"column:battle_number;primaryKey;autoIncrement:false"`
	Voter        string    `gorm:"column:voter;primaryKey"`
	Choice       string    `gorm:"column:choice"`
	Stake        int64     `gorm:"column:stake"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (voteModel) TableName() string {
	return "votes"
}

// CreateBattle inserts the battle. A row that already exists counts as
// success.
func (p *Postgres) CreateBattle(ctx context.Context, rec battle.Record) error {
	row := battleModel{
		Number:    rec.Number,
		Prompt:    rec.Prompt,
		EntryA:    rec.EntryA,
		EntryB:    rec.EntryB,
		CreatedAt: rec.CreatedAt.UTC(),
	}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return p.logError("create_battle_failed", err, rec.Number)
	}
	return nil
}

func (p *Postgres) UpdateBattle(ctx context.Context, number int64, res battle.Result) error {
	updates := map[string]any{
		"winner":      res.Winner,
		"revealed":    res.Revealed,
		"track_a_url": res.TrackAURL,
		"track_b_url": res.TrackBURL,
		"votes_a":     res.VotesA,
		"votes_b":     res.VotesB,
		"volume":      res.Volume,
		"elo_gain":    res.EloGain,
	}
	if !res.RevealedAt.IsZero() {
		updates["revealed_at"] = res.RevealedAt.UTC()
	}
	result := p.db.WithContext(ctx).Model(&battleModel{}).Where("number = ?", number).Updates(updates)
	if result.Error != nil {
		return p.logError("update_battle_failed", result.Error, number)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpsertEntry(ctx context.Context, e battle.Entry) error {
	row := entryModel{
		Name:      e.Name,
		Provider:  e.Provider,
		Rating:    e.Rating,
		Wins:      e.Wins,
		Losses:    e.Losses,
		Battles:   e.Battles,
		UpdatedAt: time.Now().UTC(),
	}
	create := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(map[string]any{
			"provider":   row.Provider,
			"rating":     row.Rating,
			"wins":       row.Wins,
			"losses":     row.Losses,
			"battles":    row.Battles,
			"updated_at": row.UpdatedAt,
		}),
	}).Create(&row)
	if create.Error != nil {
		p.log.Error().Err(create.Error).Str("event", "upsert_entry_failed").Str("entry", e.Name).Msg("store operation failed")
		return create.Error
	}
	return nil
}

func (p *Postgres) UpsertVote(ctx context.Context, v ledger.Vote) error {
	row := voteModel{
		ID:           v.ID,
		BattleNumber: v.BattleNumber,
		Voter:        v.Voter,
		Choice:       string(v.Choice),
		Stake:        v.Stake,
		CreatedAt:    v.CreatedAt.UTC(),
	}
	create := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "battle_number"}, {Name: "voter"}},
		DoUpdates: clause.Assignments(map[string]any{
			"choice": row.Choice,
			"stake":  row.Stake,
		}),
	}).Create(&row)
	if create.Error != nil {
		return p.logError("upsert_vote_failed", create.Error, v.BattleNumber)
	}
	return nil
}

func (p *Postgres) ListEntries(ctx context.Context) ([]battle.Entry, error) {
	var rows []entryModel
	if err := p.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]battle.Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, battle.Entry{
			Name:     row.Name,
			Provider: row.Provider,
			Rating:   row.Rating,
			Wins:     row.Wins,
			Losses:   row.Losses,
			Battles:  row.Battles,
		})
	}
	return out, nil
}

func (p *Postgres) RecentBattles(ctx context.Context, limit int) ([]BattleRecord, error) {
	var rows []battleModel
	err := p.db.WithContext(ctx).Order("number DESC").Limit(normalizeLimit(limit)).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]BattleRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

// Battle loads one battle by number.
func (p *Postgres) Battle(ctx context.Context, number int64) (BattleRecord, error) {
	var row battleModel
	err := p.db.WithContext(ctx).Where("number = ?", number).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return BattleRecord{}, ErrNotFound
		}
		return BattleRecord{}, err
	}
	return row.toRecord(), nil
}

func (p *Postgres) Votes(ctx context.Context, battleNumber int64) ([]ledger.Vote, error) {
	var rows []voteModel
	err := p.db.WithContext(ctx).
		Where("battle_number = ?", battleNumber).
		Order("created_at ASC").
		Order("voter ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Vote, 0, len(rows))
	for _, row := range rows {
		out = append(out, ledger.Vote{
			ID:           row.ID,
			BattleNumber: row.BattleNumber,
			Voter:        row.Voter,
			Choice:       ledger.Choice(row.Choice),
			Stake:        row.Stake,
			CreatedAt:    row.CreatedAt,
		})
	}
	return out, nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (row battleModel) toRecord() BattleRecord {
	return BattleRecord{
		Number:     row.Number,
		Prompt:     row.Prompt,
		EntryA:     row.EntryA,
		EntryB:     row.EntryB,
		TrackAURL:  row.TrackAURL,
		TrackBURL:  row.TrackBURL,
		Winner:     row.Winner,
		Revealed:   row.Revealed,
		VotesA:     row.VotesA,
		VotesB:     row.VotesB,
		Volume:     row.Volume,
		EloGain:    row.EloGain,
		CreatedAt:  row.CreatedAt,
		RevealedAt: row.RevealedAt,
	}
}

func (p *Postgres) logError(event string, err error, battleNumber int64) error {
	p.log.Error().Err(err).Str("event", event).Int64("battle", battleNumber).Msg("store operation failed")
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Store = (*Postgres)(nil)
