package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/adapters/secondary/repository/migrations"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
)

// --- migrate ---

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(pool *pgxpool.Pool) error {
			if err := migrations.Up(pool); err != nil {
				return err
			}
			cmd.Println("Migrations applied")
			return nil
		})
	},
}

var downSteps int

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(pool *pgxpool.Pool) error {
			if err := migrations.Down(pool, downSteps); err != nil {
				return err
			}
			cmd.Printf("Rolled back %d migration(s)\n", downSteps)
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(pool *pgxpool.Pool) error {
			current, dirty, latest, err := migrations.Status(pool)
			if err != nil {
				return err
			}
			cmd.Printf("Version: %d / %d\n", current, latest)
			if dirty {
				cmd.Println("State:   dirty (fix manually, then force the version)")
			}
			return nil
		})
	},
}

func withPool(ctx context.Context, fn func(*pgxpool.Pool) error) error {
	pgCfg, err := pgxpool.ParseConfig(cfg.DBUrl)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	pgCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("unable to create pg pool: %w", err)
	}
	defer pool.Close()
	return fn(pool)
}

// --- feeds ---

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Inspect and repair materialized feeds",
}

var (
	feedType  string
	statusIDs []int64
	limit     int
	maxID     int64
	minID     int64
	force     bool
)

var feedsPushCmd = &cobra.Command{
	Use:   "push ACCOUNT_ID STATUS_ID",
	Short: "Insert a status into an account's home feed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			account, err := a.feeds.FindAccount(ctx, ids[0])
			if err != nil {
				return err
			}
			status, err := a.feeds.FindStatus(ctx, ids[1])
			if err != nil {
				return err
			}
			pushed, err := a.feeds.PushToHome(ctx, account.ID, status, nil)
			if err != nil {
				return err
			}
			cmd.Printf("pushed=%t\n", pushed)
			return nil
		})
	},
}

var feedsCleanCmd = &cobra.Command{
	Use:   "clean OWNER_ID...",
	Short: "Purge feeds, or only --status ids from them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owners, err := parseIDs(args)
		if err != nil {
			return err
		}
		t, err := domain.ParseFeedType(feedType)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			if len(statusIDs) > 0 {
				return a.feeds.RemoveFromFeeds(ctx, t, owners, statusIDs)
			}
			return a.feeds.CleanFeeds(ctx, t, owners)
		})
	},
}

var feedsRegenerateCmd = &cobra.Command{
	Use:   "regenerate OWNER_ID...",
	Short: "Rebuild feeds from the database, synchronously",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owners, err := parseIDs(args)
		if err != nil {
			return err
		}
		t, err := domain.ParseFeedType(feedType)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			for _, id := range owners {
				job := domain.RegenerationJob{FeedType: t, OwnerID: id, Force: force}
				if err := a.feeds.RunRegeneration(ctx, job); err != nil {
					return err
				}
				cmd.Printf("%s regenerated\n", job.Feed())
			}
			return nil
		})
	},
}

var feedsGetCmd = &cobra.Command{
	Use:   "get OWNER_ID",
	Short: "Print a page of status ids",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		t, err := domain.ParseFeedType(feedType)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			feed := domain.FeedKey{Type: t, OwnerID: ids[0]}
			tl, err := a.feeds.Get(ctx, feed, domain.Page{Limit: limit, MaxID: maxID, MinID: minID})
			if err != nil {
				return err
			}
			state, err := a.feeds.State(ctx, feed)
			if err != nil {
				return err
			}
			cmd.Printf("# %s state=%s regenerating=%t\n", feed, state, tl.Regenerating)
			for _, id := range tl.StatusIDs {
				cmd.Println(id)
			}
			return nil
		})
	},
}

func init() {
	migrateDownCmd.Flags().IntVar(&downSteps, "steps", 1, "number of migrations to roll back")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)

	feedsCmd.PersistentFlags().StringVarP(&feedType, "type", "t", string(domain.FeedHome), "feed type: home, list, mentions or direct")
	feedsCleanCmd.Flags().Int64SliceVar(&statusIDs, "status", nil, "only remove these status ids")
	feedsRegenerateCmd.Flags().BoolVar(&force, "force", true, "rebuild even if the feed is already populated")
	feedsGetCmd.Flags().IntVarP(&limit, "limit", "l", domain.DefaultPageLimit, "page size")
	feedsGetCmd.Flags().Int64Var(&maxID, "max-id", 0, "only ids lower than this")
	feedsGetCmd.Flags().Int64Var(&minID, "min-id", 0, "page forward from this id")
	feedsCmd.AddCommand(feedsPushCmd, feedsCleanCmd, feedsRegenerateCmd, feedsGetCmd)
}

func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func parseIDs(args []string) ([]int64, error) {
	out := make([]int64, len(args))
	for i, raw := range args {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", raw)
		}
		out[i] = id
	}
	return out, nil
}
