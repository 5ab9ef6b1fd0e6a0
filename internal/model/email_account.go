package model

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Trigger modes for an account scan.
const (
	ModeManual    = "manual"
	ModeScheduled = "scheduled"
	ModeRange     = "range"
)

// Auth modes for the IMAP login.
const (
	AuthPassword = "password"
	AuthXOAuth2  = "xoauth2"
)

// EmailAccount holds tenant-owned IMAP credentials and search criteria.
// The pipeline only ever reads these rows; mutation happens through the
// configuration API, which lives outside this service.
type EmailAccount struct {
	ID                uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID          string         `json:"tenant_id" gorm:"type:varchar(64);not null;index"`
	Name              string         `json:"name" gorm:"type:varchar(255);not null"`
	IMAPHost          string         `json:"imap_host" gorm:"type:varchar(255);not null"`
	IMAPPort          int            `json:"imap_port" gorm:"default:993"`
	IMAPUser          string         `json:"imap_user" gorm:"type:varchar(255);not null"`
	IMAPPassword      string         `json:"-" gorm:"type:varchar(255)"`
	AuthMode          string         `json:"auth_mode" gorm:"type:varchar(20);default:'password'"`
	OAuthClientID     string         `json:"-" gorm:"type:varchar(255)"`
	OAuthClientSecret string         `json:"-" gorm:"type:varchar(255)"`
	OAuthTokenURL     string         `json:"-" gorm:"type:varchar(512)"`
	RefreshToken      string         `json:"-" gorm:"type:text"`
	SearchTerms       string         `json:"search_terms" gorm:"type:text"`
	SenderFilter      string         `json:"sender_filter" gorm:"type:varchar(255)"`
	Mode              string         `json:"mode" gorm:"type:varchar(20);default:'scheduled'"`
	Enabled           bool           `json:"enabled" gorm:"default:true"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for EmailAccount
func (EmailAccount) TableName() string {
	return "email_accounts"
}

// SearchTermList splits the configured search terms into individual terms.
func (a *EmailAccount) SearchTermList() []string {
	var out []string
	for _, t := range strings.Split(a.SearchTerms, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
