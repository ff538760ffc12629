package compose

import (
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	pageDefault    = 1
	perPageDefault = 25
)

// Broadcast is one row of composition history.
type Broadcast struct {
	ID        string     `db:"id" json:"id"`
	RoomID    string     `db:"room_id" json:"room_id"`
	Layout    string     `db:"layout" json:"layout"`
	Playlist  string     `db:"playlist" json:"playlist"`
	Status    string     `db:"status" json:"status"`
	Detail    string     `db:"detail" json:"detail,omitempty"`
	StartedAt time.Time  `db:"started_at" json:"started_at"`
	StoppedAt *time.Time `db:"stopped_at" json:"stopped_at,omitempty"`
}

// BroadcastsDBStorer persists composition history.
type BroadcastsDBStorer interface {
	Save(b *Broadcast) error
	SetLive(id string) error
	SetFinished(id string, status JobStatus, detail string) error
	GetAll(page int, perPage int) ([]*Broadcast, error)
}

// BroadcastsRepository stores history in the broadcasts table.
type BroadcastsRepository struct {
	db *sqlx.DB
}

func NewBroadcastsRepository(db *sqlx.DB) *BroadcastsRepository {
	return &BroadcastsRepository{db: db}
}

func (r *BroadcastsRepository) Save(b *Broadcast) error {
	_, err := r.db.Exec(
		`INSERT INTO broadcasts (id, room_id, layout, playlist, status, detail, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID,
		b.RoomID,
		b.Layout,
		b.Playlist,
		b.Status,
		b.Detail,
		b.StartedAt,
	)
	if err != nil {
		return err
	}

	return nil
}

func (r *BroadcastsRepository) SetLive(id string) error {
	_, err := r.db.Exec(
		`UPDATE broadcasts SET status = $2 WHERE id = $1`,
		id,
		string(StatusLive),
	)
	if err != nil {
		return err
	}

	return nil
}

func (r *BroadcastsRepository) SetFinished(id string, status JobStatus, detail string) error {
	_, err := r.db.Exec(
		`UPDATE broadcasts SET status = $2, detail = $3, stopped_at = now() WHERE id = $1`,
		id,
		string(status),
		detail,
	)
	if err != nil {
		return err
	}

	return nil
}

func (r *BroadcastsRepository) GetAll(page int, perPage int) ([]*Broadcast, error) {
	if page == 0 {
		page = pageDefault
	}
	if perPage == 0 {
		perPage = perPageDefault
	}
	offset := (page - 1) * perPage

	broadcasts := []*Broadcast{}
	err := r.db.Select(
		&broadcasts,
		`SELECT id, room_id, layout, playlist, status, detail, started_at, stopped_at
		 FROM broadcasts ORDER BY started_at DESC LIMIT $1 OFFSET $2`,
		perPage,
		offset,
	)
	if err != nil {
		return nil, err
	}

	return broadcasts, nil
}
