package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/config"
	"github.com/MarcoPoloResearchLab/nous/internal/connectivity"
	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/MarcoPoloResearchLab/nous/internal/database"
	"github.com/MarcoPoloResearchLab/nous/internal/localstore"
	"github.com/MarcoPoloResearchLab/nous/internal/logging"
	"github.com/MarcoPoloResearchLab/nous/internal/outbox"
	"github.com/MarcoPoloResearchLab/nous/internal/remote"
	"github.com/MarcoPoloResearchLab/nous/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	membershipKey  = "session/membership"
	membershipWait = 5 * time.Second
)

var errMembershipUnknown = errors.New("couple unknown: run a client command once while the service is reachable")

func newClientCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Read and write the shared collections through the offline sync core",
	}
	defaults := config.NewViper()
	cmd.PersistentFlags().String("server-url", "", "Base URL of the data service")
	cmd.PersistentFlags().String("token", "", "Access token")
	cmd.PersistentFlags().String("store-path", defaults.GetString("client.store_path"), "SQLite path of the local durable store")
	cmd.PersistentFlags().Duration("flush-interval", defaults.GetDuration("client.flush_interval"), "Periodic flush interval while watching")
	for key, flag := range map[string]string{
		"client.server_url":     "server-url",
		"client.token":          "token",
		"client.store_path":     "store-path",
		"client.flush_interval": "flush-interval",
	} {
		if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(
		newClientAddCommand(),
		newClientUpdateCommand(),
		newClientDeleteCommand(),
		newClientListCommand(),
		newClientFlushCommand(),
		newClientPendingCommand(),
		newClientWatchCommand(),
	)
	return cmd
}

// clientSession is one process worth of sync core over the durable store.
type clientSession struct {
	config config.ClientConfig
	logger *zap.Logger
	db     *gorm.DB
	store  *localstore.SQLiteStore
	remote *remote.Client
	core   *syncer.Core
}

func openClientSession(ctx context.Context, out io.Writer) (*clientSession, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(clientConfig.LogLevel, clientConfig.LogFormat)
	if err != nil {
		return nil, err
	}
	db, err := database.OpenSQLite(clientConfig.StorePath, database.ClientSchema(), logger)
	if err != nil {
		return nil, err
	}
	session := &clientSession{config: clientConfig, logger: logger, db: db}
	if session.store, err = localstore.NewSQLiteStore(localstore.SQLiteStoreConfig{Database: db, Logger: logger}); err != nil {
		session.close()
		return nil, err
	}
	session.remote, err = remote.NewClient(remote.ClientConfig{
		BaseURL: clientConfig.ServerURL,
		Token:   clientConfig.Token,
		Logger:  logger,
		OnNotification: func(notification remote.Notification) {
			fmt.Fprintf(out, "notification: %s: %s (%s)\n", notification.Title, notification.Body, notification.URL)
		},
	})
	if err != nil {
		session.close()
		return nil, err
	}

	membership, err := session.membership(ctx)
	if err != nil {
		session.close()
		return nil, err
	}
	session.core, err = syncer.New(syncer.Config{
		Remote: session.remote,
		Store:  session.store,
		Scope:  couple.CoupleID(membership.CoupleID),
		UserID: couple.UserID(membership.UserID),
		Logger: logger,
		OnDropped: func(dropped syncer.DroppedMutation) {
			fmt.Fprintf(out, "write abandoned: %s %s %s: %v\n",
				dropped.Mutation.Op, dropped.Mutation.Collection, dropped.Mutation.EntityID, dropped.Err)
		},
	})
	if err != nil {
		session.close()
		return nil, err
	}
	if err := session.core.Load(ctx); err != nil {
		session.close()
		return nil, err
	}
	return session, nil
}

// membership asks the service for the couple of the token and caches it, so later sessions can
// start offline.
func (s *clientSession) membership(ctx context.Context) (remote.Membership, error) {
	requestCtx, cancel := context.WithTimeout(ctx, membershipWait)
	defer cancel()
	membership, err := s.remote.Membership(requestCtx)
	if err == nil {
		if !membership.Complete {
			return remote.Membership{}, fmt.Errorf("couple %s is waiting for the partner to join", membership.CoupleID)
		}
		if raw, encodeErr := json.Marshal(membership); encodeErr == nil {
			if storeErr := s.store.Set(ctx, membershipKey, string(raw)); storeErr != nil {
				s.logger.Warn("membership not cached", zap.Error(storeErr))
			}
		}
		return membership, nil
	}
	if remote.IsPermanent(err) {
		return remote.Membership{}, err
	}
	raw, found, storeErr := s.store.Get(ctx, membershipKey)
	if storeErr != nil || !found {
		return remote.Membership{}, errors.Join(errMembershipUnknown, err)
	}
	var cached remote.Membership
	if decodeErr := json.Unmarshal([]byte(raw), &cached); decodeErr != nil {
		return remote.Membership{}, errors.Join(errMembershipUnknown, decodeErr)
	}
	s.logger.Info("service unreachable; working offline", zap.Error(err))
	return cached, nil
}

// probe records whether the service answers right now.
func (s *clientSession) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, membershipWait)
	defer cancel()
	online := s.remote.Ping(probeCtx) == nil
	s.core.SetOnline(online)
	return online
}

// settle drains queued writes before a one-shot command exits.
func (s *clientSession) settle(ctx context.Context) {
	if !s.core.Online() {
		return
	}
	if _, err := s.core.Flush(ctx, outbox.TriggerWrite); err != nil {
		s.logger.Warn("flush failed", zap.Error(err))
	}
}

func (s *clientSession) close() {
	if s.core != nil {
		s.core.Close()
	}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
}

// withSession runs fn inside a probed session and settles queued writes afterwards.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, session *clientSession) error) error {
	ctx := cmd.Context()
	session, err := openClientSession(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer session.close()
	session.probe(ctx)
	if err := fn(ctx, session); err != nil {
		return err
	}
	session.settle(ctx)
	return nil
}

func parseCollectionArg(raw string) (couple.Collection, error) {
	return couple.ParseCollection(raw)
}

func newClientAddCommand() *cobra.Command {
	var (
		startsAt string
		endsAt   string
		notes    string
	)
	cmd := &cobra.Command{
		Use:   "add <collection> <text>",
		Short: "Create a note, bucket item or event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, err := parseCollectionArg(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, func(ctx context.Context, session *clientSession) error {
				var created any
				switch collection {
				case couple.CollectionNotes:
					created, err = session.core.Notes().Create(ctx, couple.Note{Content: args[1]})
				case couple.CollectionBucketItems:
					created, err = session.core.BucketItems().Create(ctx, couple.BucketItem{Title: args[1]})
				case couple.CollectionEvents:
					event := couple.Event{Title: args[1], Notes: notes}
					if event.StartsAt, err = time.Parse(time.RFC3339, startsAt); err != nil {
						return fmt.Errorf("--starts-at: %w", err)
					}
					if endsAt != "" {
						end, parseErr := time.Parse(time.RFC3339, endsAt)
						if parseErr != nil {
							return fmt.Errorf("--ends-at: %w", parseErr)
						}
						event.EndsAt = &end
					}
					created, err = session.core.Events().Create(ctx, event)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), created)
			})
		},
	}
	cmd.Flags().StringVar(&startsAt, "starts-at", "", "Event start (RFC 3339)")
	cmd.Flags().StringVar(&endsAt, "ends-at", "", "Event end (RFC 3339)")
	cmd.Flags().StringVar(&notes, "notes", "", "Event notes")
	return cmd
}

func newClientUpdateCommand() *cobra.Command {
	var (
		content  string
		title    string
		done     bool
		position int64
		startsAt string
		endsAt   string
		notes    string
	)
	cmd := &cobra.Command{
		Use:   "update <collection> <id>",
		Short: "Patch a note, bucket item or event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, err := parseCollectionArg(args[0])
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			return withSession(cmd, func(ctx context.Context, session *clientSession) error {
				var updated any
				switch collection {
				case couple.CollectionNotes:
					patch := couple.NotePatch{}
					if flags.Changed("content") {
						patch.Content = &content
					}
					updated, err = session.core.Notes().Update(ctx, args[1], patch)
				case couple.CollectionBucketItems:
					patch := couple.BucketItemPatch{}
					if flags.Changed("title") {
						patch.Title = &title
					}
					if flags.Changed("done") {
						patch.IsDone = &done
					}
					if flags.Changed("position") {
						patch.Position = &position
					}
					updated, err = session.core.BucketItems().Update(ctx, args[1], patch)
				case couple.CollectionEvents:
					patch := couple.EventPatch{}
					if flags.Changed("title") {
						patch.Title = &title
					}
					if flags.Changed("notes") {
						patch.Notes = &notes
					}
					if patch.StartsAt, err = optionalTime(flags.Changed("starts-at"), startsAt); err != nil {
						return fmt.Errorf("--starts-at: %w", err)
					}
					if patch.EndsAt, err = optionalTime(flags.Changed("ends-at"), endsAt); err != nil {
						return fmt.Errorf("--ends-at: %w", err)
					}
					updated, err = session.core.Events().Update(ctx, args[1], patch)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), updated)
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "Note content")
	cmd.Flags().StringVar(&title, "title", "", "Bucket item or event title")
	cmd.Flags().BoolVar(&done, "done", false, "Mark the bucket item done or open")
	cmd.Flags().Int64Var(&position, "position", 0, "Bucket item position")
	cmd.Flags().StringVar(&startsAt, "starts-at", "", "Event start (RFC 3339)")
	cmd.Flags().StringVar(&endsAt, "ends-at", "", "Event end (RFC 3339)")
	cmd.Flags().StringVar(&notes, "notes", "", "Event notes")
	return cmd
}

func optionalTime(set bool, raw string) (*time.Time, error) {
	if !set {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func newClientDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a note, bucket item or event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, err := parseCollectionArg(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, func(ctx context.Context, session *clientSession) error {
				switch collection {
				case couple.CollectionNotes:
					return session.core.Notes().Delete(ctx, args[1])
				case couple.CollectionBucketItems:
					return session.core.BucketItems().Delete(ctx, args[1])
				default:
					return session.core.Events().Delete(ctx, args[1])
				}
			})
		},
	}
}

func newClientListCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list <collection>",
		Short: "Print a collection, refreshed from the service when reachable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, err := parseCollectionArg(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, func(ctx context.Context, session *clientSession) error {
				if session.core.Online() {
					if err := session.core.Refresh(ctx, collection); err != nil {
						session.logger.Warn("showing the stored snapshot", zap.Error(err))
					}
				}
				out := cmd.OutOrStdout()
				switch collection {
				case couple.CollectionNotes:
					return printJSON(out, session.core.Notes().Items())
				case couple.CollectionBucketItems:
					return printJSON(out, session.core.BucketItems().Items())
				default:
					if all {
						return printJSON(out, session.core.Events().Items())
					}
					return printJSON(out, couple.GroupEventsByDay(session.core.Events().Active(time.Now())))
				}
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include past events")
	return cmd
}

func newClientFlushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Send queued writes now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, session *clientSession) error {
				if !session.core.Online() {
					return fmt.Errorf("service unreachable: %w", remote.ErrUnavailable)
				}
				report, err := session.core.Flush(ctx, outbox.TriggerManual)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newClientPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List queued writes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			session, err := openClientSession(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer session.close()
			var pending []outbox.PendingMutation
			for _, collection := range couple.Collections() {
				entries, err := session.core.Outbox().Pending(ctx, collection)
				if err != nil {
					return err
				}
				pending = append(pending, entries...)
			}
			return printJSON(cmd.OutOrStdout(), pending)
		},
	}
}

func newClientWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected: stream changes, retry queued writes and print notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()

			session, err := openClientSession(ctx, out)
			if err != nil {
				return err
			}
			defer session.close()

			monitor, err := connectivity.NewMonitor(connectivity.MonitorConfig{
				Prober: session.remote,
				Logger: session.logger,
			})
			if err != nil {
				return err
			}
			orchestrator, err := syncer.NewOrchestrator(syncer.OrchestratorConfig{
				Core:          session.core,
				Signals:       monitor.Signals(),
				FlushInterval: session.config.FlushInterval,
				Logger:        session.logger,
			})
			if err != nil {
				return err
			}
			orchestrator.Start(ctx)
			defer orchestrator.Close()

			group, groupCtx := errgroup.WithContext(ctx)
			group.Go(func() error {
				if err := monitor.Run(groupCtx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			if len(lifecycleSignals) > 0 {
				lifecycle := make(chan os.Signal, 1)
				for sig := range lifecycleSignals {
					signal.Notify(lifecycle, sig)
				}
				defer signal.Stop(lifecycle)
				group.Go(func() error {
					relayLifecycle(groupCtx, monitor, lifecycle, lifecycleSignals)
					return nil
				})
			}
			for _, collection := range couple.Collections() {
				changes := collectionChanges(session.core, collection)
				group.Go(func() error {
					for {
						select {
						case <-groupCtx.Done():
							return nil
						case <-changes:
							fmt.Fprintf(out, "%s changed (%s)\n", collection, session.core.Freshness(collection))
						}
					}
				})
			}
			return group.Wait()
		},
	}
}

func collectionChanges(core *syncer.Core, collection couple.Collection) <-chan struct{} {
	switch collection {
	case couple.CollectionNotes:
		return core.Notes().Changed()
	case couple.CollectionBucketItems:
		return core.BucketItems().Changed()
	default:
		return core.Events().Changed()
	}
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
