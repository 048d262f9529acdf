package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/setu-sync/internal/feed"
	"github.com/noah-isme/setu-sync/internal/models"
)

var feedTables = []string{
	feed.TableMessages,
	feed.TableConversations,
	feed.TableConversationMembers,
	feed.TableMessageReactions,
	feed.TableProfiles,
}

// Connect opens the configured database driver.
func Connect(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case "postgres":
		return ConnectPostgres(dsn)
	case "sqlite":
		return ConnectSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// ConnectSQLite opens a SQLite database, used for local development.
func ConnectSQLite(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn must not be empty")
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	return db, nil
}

// Migrate creates or updates the chat schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Profile{},
		&models.Conversation{},
		&models.ConversationMember{},
		&models.Message{},
		&models.MessageReaction{},
		&models.ReadReceipt{},
		&models.Notification{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// InstallChangeTriggers attaches the pg_notify change trigger to every feed table. It is a
// no-op on drivers other than postgres.
func InstallChangeTriggers(db *gorm.DB) error {
	if db.Dialector.Name() != "postgres" {
		return nil
	}

	if err := db.Exec(feed.ChangeTriggerSQL).Error; err != nil {
		return fmt.Errorf("failed to install change function: %w", err)
	}

	for _, table := range feedTables {
		trigger := fmt.Sprintf("%s_setu_change", table)
		statements := []string{
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger, table),
			fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION setu_notify_change()", trigger, table),
		}
		for _, statement := range statements {
			if err := db.Exec(statement).Error; err != nil {
				return fmt.Errorf("failed to install change trigger on %s: %w", table, err)
			}
		}
	}

	return nil
}
