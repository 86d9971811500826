package games

import "time"

// Game records a title obtained for a user on a storefront.
type Game struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID     string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_user_games_natural,priority:1;index"`
	Title      string    `gorm:"column:title;size:512;not null;uniqueIndex:idx_user_games_natural,priority:2"`
	Source     string    `gorm:"column:source;size:32;not null;uniqueIndex:idx_user_games_natural,priority:3"`
	Platform   string    `gorm:"column:platform;size:32;not null;default:'pc'"`
	ObtainedAt time.Time `gorm:"column:obtained_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Game) TableName() string {
	return "user_games"
}
