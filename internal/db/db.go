package db

import (
	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/lumizhao/sparkchat/internal/chat"
)

// Connect opens the MySQL connection and migrates the chat schema. Fatal on
// failure; there is nothing to serve without a database.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	if err := Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}
	return gdb
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&chat.Conversation{},
		&chat.Message{},
		&chat.IndexEntry{},
		&chat.Job{},
	)
}
