/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/friendsincode/bragi_jukebox/internal/db"
	"github.com/friendsincode/bragi_jukebox/internal/models"
)

var (
	resetForce       bool
	resetDeleteMedia bool
	resetKeepUsers   int
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the database and optionally delete all media",
	Long: `Reset Bragi Jukebox to a fresh state.

This command will:
- Drop all tables from the database (except optionally preserved users)
- Re-create empty tables
- Optionally delete all generated media files

WARNING: This action is irreversible! All data will be lost.

Examples:
  # Interactive reset (will prompt for confirmation)
  bragijukebox reset

  # Force reset without confirmation
  bragijukebox reset --force

  # Reset and delete all generated audio and covers
  bragijukebox reset --force --delete-media

  # Reset but keep the 3 oldest user accounts
  bragijukebox reset --force --keep-users=3
`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "Skip confirmation prompt")
	resetCmd.Flags().BoolVar(&resetDeleteMedia, "delete-media", false, "Also delete all generated media files")
	resetCmd.Flags().IntVar(&resetKeepUsers, "keep-users", 0, "Number of users to preserve, oldest first (0 = delete all)")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	// Confirmation prompt
	if !resetForce {
		fmt.Println("\nWARNING: this will DELETE ALL DATA from Bragi Jukebox:")
		if resetKeepUsers > 0 {
			fmt.Printf("  - all users EXCEPT the %d oldest account(s)\n", resetKeepUsers)
		} else {
			fmt.Println("  - all users and accounts")
		}
		fmt.Println("  - all playlists and their songs")
		fmt.Println("  - all server settings")
		if resetDeleteMedia {
			fmt.Println("  - ALL GENERATED AUDIO AND COVER FILES")
		}
		fmt.Println("\nThis action CANNOT be undone!")
		fmt.Print("\nType 'yes' to confirm reset: ")

		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "yes" {
			fmt.Println("Reset cancelled.")
			return nil
		}
	}

	logger.Info().
		Bool("delete_media", resetDeleteMedia).
		Int("keep_users", resetKeepUsers).
		Msg("Starting database reset")

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	defer sqlDB.Close()

	// If keeping users, preserve them first
	var preservedUsers []models.User
	if resetKeepUsers > 0 {
		logger.Info().Int("count", resetKeepUsers).Msg("Preserving users")

		database.Order("created_at ASC").
			Limit(resetKeepUsers).
			Find(&preservedUsers)

		for _, u := range preservedUsers {
			logger.Info().
				Str("user_id", u.ID).
				Str("email", u.Email).
				Msg("Preserving user")
		}
	}

	// Drop tables in reverse order of dependencies
	tables := []interface{}{
		&models.Setting{},
		&models.Song{},
		&models.Playlist{},
		&models.User{},
	}

	logger.Info().Msg("Dropping all tables")
	for _, table := range tables {
		if err := database.Migrator().DropTable(table); err != nil {
			// Table might not exist
			logger.Debug().Err(err).Msg("drop table (may not exist)")
		}
	}

	// Delete media files if requested
	if resetDeleteMedia && cfg.MediaRoot != "" {
		logger.Info().Str("path", cfg.MediaRoot).Msg("Deleting media files...")

		err := filepath.Walk(cfg.MediaRoot, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if path == cfg.MediaRoot {
				return nil
			}
			if !info.IsDir() {
				if err := os.Remove(path); err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("failed to delete file")
				}
			}
			return nil
		})
		if err != nil {
			logger.Warn().Err(err).Msg("error walking media directory")
		}

		cleanEmptyDirs(cfg.MediaRoot)
		logger.Info().Msg("Media files deleted")
	}

	// Re-create tables
	logger.Info().Msg("Creating fresh database schema")
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	// Restore preserved users
	if len(preservedUsers) > 0 {
		logger.Info().Int("count", len(preservedUsers)).Msg("Restoring preserved users")
		for _, u := range preservedUsers {
			u.UpdatedAt = u.CreatedAt
			if err := database.Create(&u).Error; err != nil {
				logger.Error().Err(err).Str("email", u.Email).Msg("failed to restore user")
			} else {
				logger.Info().
					Str("user_id", u.ID).
					Str("email", u.Email).
					Msg("User restored")
			}
		}
	}

	logger.Info().Msg("Reset complete")
	fmt.Println("\nBragi Jukebox has been reset to a fresh state.")
	fmt.Println("Start the server with: bragijukebox serve")
	return nil
}

// cleanEmptyDirs removes empty directories recursively
func cleanEmptyDirs(root string) {
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() || path == root {
			return nil
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return nil
		}

		if len(entries) == 0 {
			os.Remove(path)
		}
		return nil
	})
}
