package bead

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// ArchiveOption defines the postgres connection for the archive mirror.
type ArchiveOption struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	ConnString string
	QueueSize  int
}

// Record is the archived form of a bead.
type Record struct {
	ID          string    `gorm:"primaryKey;size:36"`
	Type        string    `gorm:"size:32;index"`
	CreatedAt   time.Time `gorm:"index"`
	PrevID      string    `gorm:"size:36"`
	ContentHash string    `gorm:"size:64"`
	Payload     []byte
}

// TableName maps records onto the beads table.
func (Record) TableName() string { return "beads" }

// Archiver mirrors beads into postgres off the append hot path.
// Mirroring is best effort: a full queue drops, it never blocks a writer.
type Archiver struct {
	db      *gorm.DB
	ch      chan Bead
	dropped uint64
}

// NewArchiver connects to postgres and migrates the beads table.
func NewArchiver(opt ArchiveOption) (*Archiver, error) {
	dsn, err := opt.dsn()
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	queueSize := opt.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Archiver{
		db: db,
		ch: make(chan Bead, queueSize),
	}, nil
}

// Mirror enqueues a bead for archival without blocking.
func (a *Archiver) Mirror(b Bead) {
	if a == nil {
		return
	}
	select {
	case a.ch <- b:
	default:
		atomic.AddUint64(&a.dropped, 1)
	}
}

// Dropped reports beads dropped because the archive queue was full.
func (a *Archiver) Dropped() uint64 {
	if a == nil {
		return 0
	}
	return atomic.LoadUint64(&a.dropped)
}

// Run consumes the mirror queue until the context is done.
func (a *Archiver) Run(ctx context.Context) {
	if a == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-a.ch:
			rec := Record{
				ID:          b.ID.String(),
				Type:        b.Type.String(),
				CreatedAt:   b.CreatedAt,
				PrevID:      b.PrevID.String(),
				ContentHash: b.ContentHash,
				Payload:     b.Payload,
			}
			if err := a.db.WithContext(ctx).Create(&rec).Error; err != nil {
				logs.Errorf("archive bead %s, err: %+v", b.ID, err)
			}
		}
	}
}

// Close closes the underlying connection pool.
func (a *Archiver) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt ArchiveOption) dsn() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}
	if opt.Database == "" {
		return "", fmt.Errorf("archive database is empty")
	}

	host := opt.Host
	if host == "" {
		host = "localhost"
	}
	port := opt.Port
	if port == 0 {
		port = 5432
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + opt.Database,
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	query := url.Values{}
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()
	return u.String(), nil
}
