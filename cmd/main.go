package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet-report/internal/api"
	"fleet-report/internal/auth"
	"fleet-report/internal/cache"
	"fleet-report/internal/config"
	"fleet-report/internal/db"
	"fleet-report/internal/models"
	"fleet-report/internal/parser"
	"fleet-report/internal/report"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string

	cfg     *config.Config
	logger  *logrus.Logger
	store   db.Store
	closers []func()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleet-report",
		Short: "Fleet Report - per-device trip summaries from GPS positions",
		Long: `A CLI tool for ingesting device positions and producing summary reports
(distance, average and maximum speed, engine hours) per device or group,
exported as JSON or CSV, over SQLite or PostgreSQL storage and a REST API.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default configs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides database.path)")

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and builds the logger. It is safe to call
// more than once.
func loadConfig() error {
	if cfg != nil {
		return nil
	}
	path := configPath
	if path == "" {
		path = config.Path()
	}
	c, err := config.Load(path)
	if err != nil {
		return err
	}
	if dbPath != "" {
		c.Database.Driver = "sqlite"
		c.Database.Path = dbPath
	}
	cfg = c
	logger = cfg.Logging.NewLogger(os.Stderr)
	return nil
}

// initDB opens the configured store.
func initDB(ctx context.Context) error {
	if err := loadConfig(); err != nil {
		return err
	}

	switch cfg.Database.Driver {
	case "postgres":
		pool, err := db.ConnectPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		pg := db.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return err
		}
		closers = append(closers, pool.Close)
		store = pg
	default:
		database, err := db.New(cfg.Database.Path)
		if err != nil {
			return err
		}
		closers = append(closers, func() { database.Close() })
		store = database
	}

	logger.WithFields(logrus.Fields{
		"driver": cfg.Database.Driver,
		"path":   cfg.Database.Path,
	}).Debug("store opened")
	return nil
}

func closeAll() {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	closers = nil
}

// newReporter wires the store into a Reporter, fronting device names with
// Redis when redis.addr is set.
func newReporter() *report.Reporter {
	var names report.DeviceDirectory = store
	if rdb := cache.Connect(cfg.Redis.Addr, cfg.Redis.Password); rdb != nil {
		closers = append(closers, func() { rdb.Close() })
		names = cache.NewDeviceNames(rdb, store, cfg.Redis.TTL, logger)
		logger.WithField("addr", cfg.Redis.Addr).Info("device name cache enabled")
	}
	return report.NewReporter(store, names, store, store)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serverCmd starts the REST API server
func serverCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			if err := loadConfig(); err != nil {
				return err
			}
			if err := cfg.Auth.Validate(); err != nil {
				return fmt.Errorf("refusing to start: %w", err)
			}

			if err := initDB(ctx); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer closeAll()

			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			tokens := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
			server := api.NewServer(store, newReporter(), tokens, logger)
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           server.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.WithField("addr", srv.Addr).Info("fleet report API listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Server port (overrides server.port)")
	return cmd
}

// ingestCmd ingests positions from files
func ingestCmd() *cobra.Command {
	var format string
	var validate bool

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest positions from CSV, JSON or log files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := initDB(ctx); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer closeAll()

			p := parser.NewParser(format, logger)
			totalRecords := 0
			totalErrors := 0

			for _, file := range args {
				log := logger.WithField("file", file)
				start := time.Now()

				records, err := p.ParseFile(file)
				if err != nil {
					log.WithError(err).Error("parse failed")
					totalErrors++
					continue
				}

				if validate {
					valid := records[:0]
					for _, r := range records {
						if errs := parser.ValidatePosition(&r); len(errs) == 0 {
							valid = append(valid, r)
						} else {
							log.WithField("device_id", r.DeviceID).Warnf("skipping invalid position: %s", errs[0])
							totalErrors++
						}
					}
					records = valid
				}

				count, err := store.InsertPositionBatch(ctx, records)
				if err != nil {
					log.WithError(err).Error("insert failed")
					totalErrors++
					continue
				}

				elapsed := time.Since(start)
				log.WithFields(logrus.Fields{
					"inserted": count,
					"elapsed":  elapsed,
				}).Info("file ingested")
				totalRecords += int(count)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Total: %d positions ingested", totalRecords)
			if totalErrors > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), ", %d errors", totalErrors)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "File format (csv, json, log)")
	cmd.Flags().BoolVarP(&validate, "validate", "v", true, "Validate positions before inserting")
	return cmd
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(cmd.Context()); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer closeAll()

			stats, err := store.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Fleet Report Statistics")
			fmt.Fprintln(out, "=======================")
			fmt.Fprintf(out, "  Devices:    %d\n", stats.Devices)
			fmt.Fprintf(out, "  Groups:     %d\n", stats.Groups)
			fmt.Fprintf(out, "  Users:      %d\n", stats.Users)
			fmt.Fprintf(out, "  Positions:  %d\n", stats.Positions)
			fmt.Fprintf(out, "  Driver:     %s\n", cfg.Database.Driver)
			return nil
		},
	}
}

// generateCmd generates sample devices and positions
func generateCmd() *cobra.Command {
	var fixes int
	var deviceCount int
	var interval time.Duration
	var seed int64

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a sample fleet with positions and ignition runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := initDB(ctx); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer closeAll()

			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			rng := rand.New(rand.NewSource(seed))

			group := models.Group{Name: fmt.Sprintf("Sample fleet %d", seed%10000)}
			if err := store.InsertGroup(ctx, &group); err != nil {
				return fmt.Errorf("error creating group: %w", err)
			}
			admin := models.User{Name: "admin", Admin: true}
			if err := store.InsertUser(ctx, &admin); err != nil {
				return fmt.Errorf("error creating user: %w", err)
			}

			start := time.Now().UTC().Add(-time.Duration(fixes) * interval).Truncate(time.Second)
			inserted := int64(0)
			for i := 1; i <= deviceCount; i++ {
				d := models.Device{
					Name:     fmt.Sprintf("Vehicle %d", i),
					UniqueID: fmt.Sprintf("SIM-%d-%03d", seed%100000, i),
					GroupID:  group.ID,
				}
				if err := store.InsertDevice(ctx, &d); err != nil {
					return fmt.Errorf("error creating device: %w", err)
				}

				count, err := store.InsertPositionBatch(ctx, simulateTrip(rng, d.ID, start, interval, fixes))
				if err != nil {
					return fmt.Errorf("error inserting positions: %w", err)
				}
				inserted += count
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created group %d with %d devices and %d positions\n", group.ID, deviceCount, inserted)
			fmt.Fprintf(out, "Admin user id: %d\n", admin.ID)
			fmt.Fprintf(out, "Window: %s to %s\n", start.Format(time.RFC3339), start.Add(time.Duration(fixes)*interval).Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().IntVarP(&fixes, "count", "c", 1000, "Positions per device")
	cmd.Flags().IntVarP(&deviceCount, "devices", "n", 5, "Number of devices to create")
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "Time between fixes")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (default: time based)")
	return cmd
}

// simulateTrip walks a device around Orlando, switching ignition in runs.
func simulateTrip(rng *rand.Rand, deviceID int64, start time.Time, interval time.Duration, n int) []models.Position {
	lat := 28.5383 + (rng.Float64()-0.5)*0.1
	lon := -81.3792 + (rng.Float64()-0.5)*0.1
	course := rng.Float64() * 360
	ignition := models.IgnitionOn
	run := 20 + rng.Intn(60)

	positions := make([]models.Position, 0, n)
	for i := 0; i < n; i++ {
		if run == 0 {
			if ignition == models.IgnitionOn {
				ignition = models.IgnitionOff
				run = 5 + rng.Intn(20)
			} else {
				ignition = models.IgnitionOn
				run = 20 + rng.Intn(60)
			}
		}
		run--

		speed := 0.0
		if ignition == models.IgnitionOn {
			speed = 10 + rng.Float64()*50
			course = math.Mod(course+(rng.Float64()-0.5)*30+360, 360)
			step := speed * 1.852 / 3600 * interval.Seconds() / 111.32
			lat += step * math.Cos(course*math.Pi/180)
			lon += step * math.Sin(course*math.Pi/180)
		}

		p := models.Position{
			DeviceID:  deviceID,
			FixTime:   start.Add(time.Duration(i) * interval),
			Latitude:  lat,
			Longitude: lon,
			Speed:     speed,
			Course:    course,
			Ignition:  ignition,
		}
		// occasional fixes without an ignition attribute
		if rng.Intn(50) == 0 {
			p.Ignition = models.IgnitionUnknown
		}
		positions = append(positions, p)
	}
	return positions
}

// tokenCmd issues an API token for a user
func tokenCmd() *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(); err != nil {
				return err
			}
			if err := cfg.Auth.Validate(); err != nil {
				logger.WithError(err).Warn("token signed with an insecure secret")
			}
			token, err := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).GenerateToken(userID)
			if err != nil {
				return fmt.Errorf("error signing token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().Int64VarP(&userID, "user", "u", 0, "User ID")
	cmd.MarkFlagRequired("user")
	return cmd
}

// migrateCmd creates the schema without doing anything else. SQLite is
// migrated on open; PostgreSQL on connect.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing tables and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(cmd.Context()); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer closeAll()

			logger.WithField("driver", cfg.Database.Driver).Info("schema up to date")
			return nil
		},
	}
}
