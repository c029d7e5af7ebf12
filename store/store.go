package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hatcher/agentloop/pkg/ormx"
	"github.com/hatcher/agentloop/session"
)

var ErrSnapshotNotFound = errors.New("session snapshot not found")

// Snapshot is the persisted form of a session: identity columns for
// querying plus the full state as a JSON payload.
type Snapshot struct {
	SessionID string    `gorm:"column:session_id;primaryKey;size:64"`
	OwnerID   string    `gorm:"column:owner_id;size:64;index"`
	OrgID     string    `gorm:"column:org_id;size:64"`
	Phase     string    `gorm:"column:phase;size:32"`
	Payload   []byte    `gorm:"column:payload"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Snapshot) TableName() string { return "session_snapshot" }

// Store persists session snapshots so the host can resume them later via
// load_session_state.
type Store struct {
	db *gorm.DB
}

func New(cfg ormx.DBConfig) (*Store, error) {
	db, err := ormx.NewDBClient(cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "open snapshot db")
	}
	return FromDB(db)
}

func FromDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Snapshot{}); err != nil {
		return nil, errors.WithMessage(err, "migrate session_snapshot")
	}
	return &Store{db: db}, nil
}

// Save upserts the session's current state.
func (s *Store) Save(ctx context.Context, d *session.Data) error {
	state := d.Snapshot()
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	row := Snapshot{
		SessionID: d.ID,
		OwnerID:   d.OwnerID,
		OrgID:     d.OrgID,
		Phase:     string(state.Status.Phase),
		Payload:   payload,
		CreatedAt: d.CreatedAt,
		UpdatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"phase", "payload", "updated_at"}),
		}).
		Create(&row).Error
}

// Load returns a previously saved state.
func (s *Store) Load(ctx context.Context, sessionID string) (session.State, error) {
	_, state, err := s.LoadOwned(ctx, sessionID)
	return state, err
}

// LoadOwned returns a saved state together with its snapshot row; the
// row carries the identity columns the payload does not.
func (s *Store) LoadOwned(ctx context.Context, sessionID string) (Snapshot, session.State, error) {
	var row Snapshot
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, session.State{}, errors.WithMessagef(ErrSnapshotNotFound, "session %s", sessionID)
	}
	if err != nil {
		return Snapshot{}, session.State{}, err
	}
	var state session.State
	if err := json.Unmarshal(row.Payload, &state); err != nil {
		return Snapshot{}, session.State{}, errors.WithMessagef(err, "decode snapshot %s", sessionID)
	}
	return row, state, nil
}

// ListByOwner returns snapshot rows for one owner, newest first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]Snapshot, error) {
	var rows []Snapshot
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Find(&rows).Error
	return rows, err
}

// Delete removes a snapshot.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&Snapshot{}).Error
}
