package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Staff is an operator account that can sign in at the front desk.
type Staff struct {
	ID         string `gorm:"primaryKey"`
	Email      string `gorm:"uniqueIndex"`
	Password   string // bcrypt hash
	Name       string
	Role       string
	GymID      string
	GymName    string
	GymBlocked bool
	CreatedAt  time.Time
}

// Member is a gym member with a scannable credential.
type Member struct {
	ID                string `gorm:"primaryKey"`
	Credential        string `gorm:"uniqueIndex"` // the value encoded in the member's QR code
	Name              string
	Phone             string
	MembershipPlan    string
	MembershipEndDate time.Time
	CreatedAt         time.Time
}

// Expired reports whether the membership lapsed before now.
func (m Member) Expired() bool {
	return m.MembershipEndDate.Before(time.Now())
}

// Attendance is one recorded entry decision.
type Attendance struct {
	ID           string `gorm:"primaryKey"`
	MemberID     string
	MemberName   string
	MemberPhone  string
	Granted      bool
	DenialReason string
	CheckInTime  time.Time
}

// AlertRow is one persisted notification.
type AlertRow struct {
	ID           string `gorm:"primaryKey"`
	Title        string
	Message      string
	Priority     string
	MemberName   string
	MemberPhone  string
	DenialReason string
	IsRead       bool
	CreatedAt    time.Time
}

// Database wraps the sqlite fixture store.
type Database struct {
	db *gorm.DB
}

// NewDatabase opens (or creates) the sqlite database and seeds fixtures on
// first run.
func NewDatabase(path string) (*Database, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	gormDB, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := gormDB.AutoMigrate(&Staff{}, &Member{}, &Attendance{}, &AlertRow{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	d := &Database{db: gormDB}
	if err := d.seed(); err != nil {
		return nil, fmt.Errorf("seed database: %w", err)
	}
	return d, nil
}

// Close closes the underlying connection.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// seed loads development fixtures once: two operator accounts and a handful
// of members covering the granted, expired and blocked paths.
func (d *Database) seed() error {
	var count int64
	if err := d.db.Model(&Staff{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash := func(pw string) string {
		h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
		if err != nil {
			panic(err)
		}
		return string(h)
	}

	staff := []Staff{
		{
			ID:       uuid.NewString(),
			Email:    "staff@fithub.dev",
			Password: hash("secret123"),
			Name:     "Front Desk",
			Role:     "staff",
			GymID:    "gym-1",
			GymName:  "FitHub Downtown",
		},
		{
			ID:         uuid.NewString(),
			Email:      "blocked@fithub.dev",
			Password:   hash("secret123"),
			Name:       "Blocked Owner",
			Role:       "owner",
			GymID:      "gym-2",
			GymName:    "FitHub Suspended",
			GymBlocked: true,
		},
	}
	if err := d.db.Create(&staff).Error; err != nil {
		return err
	}

	members := []Member{
		{
			ID:                uuid.NewString(),
			Credential:        "M-1001",
			Name:              "Jordan Diaz",
			Phone:             "555-0101",
			MembershipPlan:    "Monthly",
			MembershipEndDate: time.Now().AddDate(0, -1, 0),
		},
		{
			ID:                uuid.NewString(),
			Credential:        "M-2002",
			Name:              "Alice Chen",
			Phone:             "555-0102",
			MembershipPlan:    "Annual",
			MembershipEndDate: time.Now().AddDate(1, 0, 0),
		},
		{
			ID:                uuid.NewString(),
			Credential:        "M-3003",
			Name:              "Sam Okafor",
			Phone:             "555-0103",
			MembershipPlan:    "Quarterly",
			MembershipEndDate: time.Now().AddDate(0, 2, 0),
		},
	}
	return d.db.Create(&members).Error
}

// StaffByEmail looks up an operator account; gorm.ErrRecordNotFound when absent.
func (d *Database) StaffByEmail(ctx context.Context, email string) (*Staff, error) {
	var s Staff
	if err := d.db.WithContext(ctx).Where("email = ?", email).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// StaffByID looks up an operator account by id.
func (d *Database) StaffByID(ctx context.Context, id string) (*Staff, error) {
	var s Staff
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// MemberByCredential resolves a scanned token to a member, or nil when unknown.
func (d *Database) MemberByCredential(ctx context.Context, credential string) (*Member, error) {
	var m Member
	err := d.db.WithContext(ctx).Where("credential = ?", credential).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordAttendance persists one entry decision.
func (d *Database) RecordAttendance(ctx context.Context, rec *Attendance) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CheckInTime.IsZero() {
		rec.CheckInTime = time.Now()
	}
	return d.db.WithContext(ctx).Create(rec).Error
}

// ListAttendance returns recent granted check-ins, newest first.
func (d *Database) ListAttendance(ctx context.Context, limit int) ([]Attendance, int64, error) {
	var total int64
	if err := d.db.WithContext(ctx).Model(&Attendance{}).Where("granted = ?", true).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	q := d.db.WithContext(ctx).Where("granted = ?", true).Order("check_in_time desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []Attendance
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// TodayStats aggregates today's decisions.
func (d *Database) TodayStats(ctx context.Context) (granted, unique, denied int64, err error) {
	start := time.Now().Truncate(24 * time.Hour)

	if err = d.db.WithContext(ctx).Model(&Attendance{}).
		Where("granted = ? AND check_in_time >= ?", true, start).
		Count(&granted).Error; err != nil {
		return
	}
	if err = d.db.WithContext(ctx).Model(&Attendance{}).
		Where("granted = ? AND check_in_time >= ?", true, start).
		Distinct("member_id").
		Count(&unique).Error; err != nil {
		return
	}
	err = d.db.WithContext(ctx).Model(&Attendance{}).
		Where("granted = ? AND check_in_time >= ?", false, start).
		Count(&denied).Error
	return
}

// CreateAlert persists one notification row.
func (d *Database) CreateAlert(ctx context.Context, row *AlertRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	return d.db.WithContext(ctx).Create(row).Error
}

// ListAlerts returns recent alerts, newest first, optionally filtered on the
// read flag.
func (d *Database) ListAlerts(ctx context.Context, limit int, isRead *bool) ([]AlertRow, int64, error) {
	q := d.db.WithContext(ctx).Model(&AlertRow{})
	if isRead != nil {
		q = q.Where("is_read = ?", *isRead)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	q = q.Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []AlertRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// UnreadAlertCount counts alerts still unread.
func (d *Database) UnreadAlertCount(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&AlertRow{}).Where("is_read = ?", false).Count(&count).Error
	return count, err
}

// MarkAlertRead flips one alert's read flag.
func (d *Database) MarkAlertRead(ctx context.Context, id string) error {
	res := d.db.WithContext(ctx).Model(&AlertRow{}).Where("id = ?", id).Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkAllAlertsRead flips every alert's read flag.
func (d *Database) MarkAllAlertsRead(ctx context.Context) error {
	return d.db.WithContext(ctx).Model(&AlertRow{}).Where("is_read = ?", false).Update("is_read", true).Error
}

// ListMembers returns all members.
func (d *Database) ListMembers(ctx context.Context) ([]Member, error) {
	var rows []Member
	err := d.db.WithContext(ctx).Order("name asc").Find(&rows).Error
	return rows, err
}

// MemberByID returns one member row.
func (d *Database) MemberByID(ctx context.Context, id string) (*Member, error) {
	var m Member
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMember inserts a member.
func (d *Database) CreateMember(ctx context.Context, m *Member) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return d.db.WithContext(ctx).Create(m).Error
}

// UpdateMember replaces mutable member fields.
func (d *Database) UpdateMember(ctx context.Context, m *Member) error {
	return d.db.WithContext(ctx).Model(&Member{ID: m.ID}).Updates(map[string]any{
		"name":                m.Name,
		"phone":               m.Phone,
		"membership_plan":     m.MembershipPlan,
		"membership_end_date": m.MembershipEndDate,
	}).Error
}

// DeleteMember removes a member row.
func (d *Database) DeleteMember(ctx context.Context, id string) error {
	return d.db.WithContext(ctx).Delete(&Member{}, "id = ?", id).Error
}
