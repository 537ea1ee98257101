package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Client is the billed party a recurring template points at.
type Client struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	OwnerID   snowflake.ID      `gorm:"not null;index" json:"owner_id"`
	Name      string            `gorm:"not null" json:"name"`
	Email     string            `gorm:"not null;default:''" json:"email"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Client) TableName() string { return "clients" }
