package cmd

import (
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"geobatch/src/core/run"
	"geobatch/src/infrastructure/batch"
	"geobatch/src/infrastructure/github"
	"geobatch/src/log"
	"geobatch/src/storage/postgres/datactrl"
	"geobatch/src/storage/postgres/jobctrl"
	"geobatch/src/storage/postgres/joberrorctrl"
	"geobatch/src/storage/postgres/runctrl"
)

// populateCmd represents the populate command
var populateCmd = &cobra.Command{
	Use:   "populate",
	Short: "Schedule a live run over every source definition",
	Long: `The populate command walks the source repository at the head of the
configured branch, explodes every manifest into jobs, and submits them
under a single live run`,
	RunE: runPopulate,
}

func init() {
	rootCmd.AddCommand(populateCmd)
}

func runPopulate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	host := viper.GetString("postgres.host")
	user := viper.GetString("postgres.user")
	password := viper.GetString("postgres.password")
	dbname := viper.GetString("postgres.db")
	port := viper.GetString("postgres.port")

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		host, user, password, dbname, port)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %v", err)
	}
	defer sqlDB.Close()

	amqpPublisher, err := amqp.NewPublisher(
		amqp.NewDurableQueueConfig(viper.GetString("amqp.url")),
		watermill.NewStdLogger(false, false),
	)
	if err != nil {
		return err
	}
	submitter := batch.NewSubmitter(amqpPublisher, viper.GetString("amqp.topic"))
	defer submitter.Close()

	gh := github.NewClient(
		"",
		viper.GetString("github.token"),
		viper.GetString("github.owner"),
		viper.GetString("github.repo"),
		&nethttp.Client{Timeout: 30 * time.Second},
	)

	sha, err := gh.LatestSHA(ctx, viper.GetString("github.branch"))
	if err != nil {
		return err
	}
	log.Info("Resolved branch head", "branch", viper.GetString("github.branch"), "sha", sha)

	paths, err := gh.TreeSources(ctx, sha)
	if err != nil {
		return err
	}
	log.Info("Found source definitions", "count", len(paths))

	// Explode every manifest up front so broken sources surface before
	// any job is created
	bar := progressbar.Default(int64(len(paths)), "exploding sources")
	var specs []jobctrl.Spec
	var skipped int
	for _, path := range paths {
		url := gh.RawURL(sha, path)
		data, err := gh.Fetch(ctx, url)
		if err != nil {
			log.Error(err, "skipping unreadable source", "source", url)
			skipped++
			bar.Add(1)
			continue
		}
		exploded, err := run.ExplodeManifest(url, data)
		if err != nil {
			log.Error(err, "skipping source", "source", url)
			skipped++
			bar.Add(1)
			continue
		}
		specs = append(specs, exploded...)
		bar.Add(1)
	}
	bar.Finish()

	if len(specs) == 0 {
		return fmt.Errorf("no usable sources at %s", sha)
	}

	runs := runctrl.NewRunService(db)
	jobs := jobctrl.NewJobService(db)
	core := run.NewService(
		runs,
		jobs,
		datactrl.NewDataService(db),
		joberrorctrl.NewJobErrorService(db),
		submitter,
		nil,
		gh,
	)

	live, err := runs.Generate(ctx, true, nil)
	if err != nil {
		return err
	}

	raw := make([]json.RawMessage, 0, len(specs))
	for _, spec := range specs {
		encoded, err := json.Marshal(spec)
		if err != nil {
			return fmt.Errorf("failed to marshal job spec: %v", err)
		}
		raw = append(raw, encoded)
	}

	result, err := core.Populate(ctx, live.ID, raw)
	if err != nil {
		return err
	}

	log.Info("Populated live run", "run", result.Run, "jobs", len(result.Jobs), "skipped_sources", skipped)
	return nil
}
