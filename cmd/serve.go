package cmd

import (
	"context"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	handler "geobatch/handler/http"
	"geobatch/src/core/ci"
	"geobatch/src/core/export"
	"geobatch/src/core/run"
	"geobatch/src/infrastructure/batch"
	"geobatch/src/infrastructure/github"
	"geobatch/src/infrastructure/logstream"
	"geobatch/src/log"
	"geobatch/src/storage/minioctrl"
	"geobatch/src/storage/postgres/datactrl"
	"geobatch/src/storage/postgres/exportctrl"
	"geobatch/src/storage/postgres/jobctrl"
	"geobatch/src/storage/postgres/joberrorctrl"
	"geobatch/src/storage/postgres/runctrl"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator API server",
	Long:  `The serve command starts the HTTP server that schedules jobs, receives batch fleet pings, and serves data and exports`,
	Run:   RunServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func RunServer(cmd *cobra.Command, args []string) {
	// Initialize PostgreSQL connection
	host := viper.GetString("postgres.host")
	user := viper.GetString("postgres.user")
	password := viper.GetString("postgres.password")
	dbname := viper.GetString("postgres.db")
	port := viper.GetString("postgres.port")

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		host, user, password, dbname, port)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Error(err, "Failed to connect to database")
		return
	}

	// Initialize AMQP publisher for job submission
	amqpPublisher, err := amqp.NewPublisher(
		amqp.NewDurableQueueConfig(viper.GetString("amqp.url")),
		watermill.NewStdLogger(false, false),
	)
	if err != nil {
		log.Error(err, "Failed to create amqp publisher")
		return
	}
	submitter := batch.NewSubmitter(amqpPublisher, viper.GetString("amqp.topic"))

	// Initialize artifact store
	artifacts, err := minioctrl.NewArtifactService(
		viper.GetString("minio.endpoint"),
		viper.GetString("minio.access_key"),
		viper.GetString("minio.secret_key"),
		viper.GetString("minio.bucket"),
		viper.GetBool("minio.use_ssl"),
	)
	if err != nil {
		log.Error(err, "Failed to create artifact service")
		return
	}
	if err := artifacts.EnsureBucketExists(context.Background()); err != nil {
		log.Error(err, "Failed to ensure artifact bucket")
		return
	}

	// Initialize log store
	logs, err := logstream.NewClient(
		[]string{viper.GetString("elastic.url")},
		viper.GetString("elastic.user"),
		viper.GetString("elastic.password"),
		viper.GetString("elastic.index"),
	)
	if err != nil {
		log.Error(err, "Failed to create log store client")
		return
	}

	// Initialize GitHub client
	gh := github.NewClient(
		"",
		viper.GetString("github.token"),
		viper.GetString("github.owner"),
		viper.GetString("github.repo"),
		&nethttp.Client{Timeout: 30 * time.Second},
	)

	// Initialize storage services
	runs := runctrl.NewRunService(db)
	jobs := jobctrl.NewJobService(db)
	jobErrors := joberrorctrl.NewJobErrorService(db)
	exports := exportctrl.NewExportService(db)
	data := datactrl.NewDataService(db)

	// Initialize core services; the CI bridge closes checks for the run
	// service and the run service populates runs for the bridge
	var bridge *ci.Bridge
	core := run.NewService(runs, jobs, data, jobErrors, submitter, finishCheckFunc(func(ctx context.Context, r *runctrl.Run, agg jobctrl.Status) error {
		return bridge.FinishCheck(ctx, r, agg)
	}), gh)
	bridge = ci.NewBridge(gh, runs, core, viper.GetString("github.owner"), viper.GetString("github.repo"))

	exportCore := export.NewService(
		exports,
		jobs,
		submitter,
		artifacts,
		logs,
		viper.GetInt64("limits.exports"),
		viper.GetString("stack.name"),
	)

	secrets := handler.Secrets{
		JWT:     viper.GetString("auth.jwt_secret"),
		Machine: viper.GetString("auth.shared_secret"),
		Webhook: viper.GetString("github.webhook_secret"),
	}

	h := handler.NewHandler(
		handler.NewRunHandler(runs, core),
		handler.NewJobHandler(jobs, core, logs, gh),
		handler.NewJobErrorHandler(jobErrors, core),
		handler.NewExportHandler(exports, exportCore),
		handler.NewDataHandler(data),
		handler.NewWebhookHandler(bridge, secrets.Webhook),
		secrets,
	)

	// Setup gin router
	r := gin.Default()

	// Register routes
	h.RegisterRoutes(r)

	// Create HTTP server
	srv := &nethttp.Server{
		Addr:    ":" + viper.GetString("server.port"),
		Handler: r,
	}

	// Start server in a goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != nethttp.ErrServerClosed {
			log.Error(err, "Failed to start server")
			return
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	// Parse shutdown timeout
	timeout, err := time.ParseDuration(viper.GetString("server.shutdown_timeout"))
	if err != nil {
		log.Error(err, "Invalid shutdown timeout, using default 5s")
		timeout = 5 * time.Second
	}

	// Create context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := submitter.Close(); err != nil {
		log.Error(err, "Error closing amqp publisher")
	}

	// Get underlying *sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		log.Error(err, "Failed to get underlying *sql.DB")
	} else {
		// Close database connection
		if err := sqlDB.Close(); err != nil {
			log.Error(err, "Error closing database connection")
		}
	}

	// Attempt graceful shutdown
	if err := srv.Shutdown(ctx); err != nil {
		log.Error(err, "Server forced to shutdown")
	}

	log.Info("Server exited")
}

type finishCheckFunc func(ctx context.Context, r *runctrl.Run, agg jobctrl.Status) error

func (f finishCheckFunc) FinishCheck(ctx context.Context, r *runctrl.Run, agg jobctrl.Status) error {
	return f(ctx, r, agg)
}
