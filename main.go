package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/vuln-identify/analyze"
	"github.com/aquasecurity/vuln-identify/config"
	"github.com/aquasecurity/vuln-identify/cpe"
	"github.com/aquasecurity/vuln-identify/evidence"
	"github.com/aquasecurity/vuln-identify/identify"
	"github.com/aquasecurity/vuln-identify/index"
	"github.com/aquasecurity/vuln-identify/log"
	"github.com/aquasecurity/vuln-identify/metrics"
	"github.com/aquasecurity/vuln-identify/nvd"
	"github.com/aquasecurity/vuln-identify/store"
	"github.com/aquasecurity/vuln-identify/utils"
)

// exitCode lets a command choose the process exit status.
type exitCode int

func (c exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(c))
}

var (
	configFile  string
	debug       bool
	dbDriver    string
	dbPath      string
	metricsAddr string

	skipUpdate bool
	inputFile  string
	outputFile string
	failOnCVSS float64
)

var rootCmd = &cobra.Command{
	Use:           "vuln-identify",
	Short:         "Identify known vulnerabilities in third-party packages",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return log.InitLogger(debug)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Synchronize the local vulnerability database with NVD",
	Args:  cobra.NoArgs,
	RunE:  runUpdate,
}

var checkCmd = &cobra.Command{
	Use:   "check [package-url...]",
	Short: "Report vulnerabilities affecting the given package URLs",
	RunE:  runCheck,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete the local vulnerability database contents",
	Args:  cobra.NoArgs,
	RunE:  runPurge,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the state of the local vulnerability database",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(updateCmd, checkCmd, purgeCmd, statusCmd)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dbDriver, "db-driver", "", "database driver (sqlite, postgres)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path or connection string")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")

	checkCmd.Flags().BoolVar(&skipUpdate, "skip-update", false, "analyze against the local database without updating it")
	checkCmd.Flags().StringVarP(&inputFile, "file", "f", "", "file with one package URL per line")
	checkCmd.Flags().StringVarP(&outputFile, "output", "o", "", "write the JSON report to this file instead of stdout")
	checkCmd.Flags().Float64Var(&failOnCVSS, "fail-on-cvss", -1, "exit with status 2 when a finding scores at least this CVSS")
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	var code exitCode
	switch {
	case err == nil:
	case xerrors.As(err, &code):
		os.Exit(int(code))
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	conf    config.Config
	store   *store.Store
	index   *index.Index
	metrics *metrics.Metrics
	updater nvd.Updater
}

func newApp(cmd *cobra.Command) (*app, error) {
	conf, err := config.Load(afero.NewOsFs(), configFile)
	if err != nil {
		return nil, xerrors.Errorf("unable to load config: %w", err)
	}
	if cmd.Flags().Changed("db-driver") {
		conf.Database.Driver = dbDriver
	}
	if cmd.Flags().Changed("db") {
		conf.Database.ConnectionString = dbPath
	}
	if cmd.Flags().Changed("fail-on-cvss") {
		conf.Analysis.FailOnCVSS = failOnCVSS
	}
	if err = conf.Validate(); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	if metricsAddr != "" {
		go func() {
			srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
			if err := srv.ListenAndServe(); err != nil {
				log.Logger.Warnw("metrics server stopped", "err", err)
			}
		}()
	}

	s, err := store.Open(cmd.Context(), store.Config{
		Driver:           conf.Database.Driver,
		ConnectionString: conf.Database.ConnectionString,
		User:             conf.Database.User,
		Password:         conf.Database.Password,
	})
	if err != nil {
		return nil, xerrors.Errorf("unable to open database: %w", err)
	}

	idx := index.New()
	updater := nvd.NewUpdater(s,
		nvd.WithBaseURL(conf.NVD.BaseURL),
		nvd.WithAPIKey(conf.NVD.APIKey),
		nvd.WithAuth(nvd.Auth{BearerToken: conf.NVD.BearerToken, User: conf.NVD.User, Password: conf.NVD.Password}),
		nvd.WithMaxResultsPerPage(conf.NVD.ResultsPerPage),
		nvd.WithDelay(conf.NVD.Delay),
		nvd.WithRetry(conf.NVD.MaxRetryCount),
		nvd.WithPageTimeout(conf.NVD.PageTimeout),
		nvd.WithValidFor(conf.ValidFor()),
		nvd.WithProgress(!debug),
		nvd.WithIndex(idx),
		nvd.WithMetrics(m),
		nvd.WithLogger(log.Logger),
	)
	return &app{conf: conf, store: s, index: idx, metrics: m, updater: updater}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Logger.Warnw("unable to close database", "err", err)
	}
}

func runUpdate(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.updater.Update(cmd.Context())
	fmt.Printf("mode=%s state=%s pages=%d records=%d lastModified=%s\n",
		res.Mode, res.State, res.Pages, res.Records, res.LastModified.Format(time.RFC3339))
	if err != nil {
		return xerrors.Errorf("update failed: %w", err)
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	fs := utils.NewFs(afero.NewOsFs())

	purls := args
	if inputFile != "" {
		b, err := fs.ReadFile(inputFile)
		if err != nil {
			return err
		}
		for _, line := range strings.Split(string(b), "\n") {
			if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
				purls = append(purls, line)
			}
		}
	}
	if len(purls) == 0 {
		return xerrors.New("no package URLs given")
	}

	if !skipUpdate {
		if _, err = a.updater.Update(ctx); err != nil {
			if a.conf.NVD.FailOnError {
				return xerrors.Errorf("update failed: %w", err)
			}
			log.Logger.Warnw("update failed, analyzing with the local database", "err", err)
		}
	}
	if !a.index.Ready() {
		if err = a.index.Rebuild(ctx, a.store); err != nil {
			return xerrors.Errorf("unable to build index: %w", err)
		}
	}

	post, err := suppression(a.conf.Analysis.Suppress)
	if err != nil {
		return err
	}
	engine := analyze.NewEngine(
		identify.NewResolver(a.index, identify.WithLogger(log.Logger)),
		analyze.NewResolver(a.store, log.Logger),
		analyze.WithWorkers(a.conf.Analysis.Workers),
		analyze.WithRegistry(evidence.NewRegistry(evidence.PackageURLExtractor{Confidence: evidence.High})),
		analyze.WithPreFilters(hints(a.conf.Analysis.Hints)),
		analyze.WithPostFilters(post),
		analyze.WithMetrics(a.metrics),
		analyze.WithLogger(log.Logger),
	)

	artifacts := make([]*evidence.Artifact, 0, len(purls))
	for _, p := range purls {
		artifacts = append(artifacts, evidence.NewArtifact(p, p))
	}
	reports, err := engine.Analyze(ctx, artifacts)
	if err != nil {
		log.Logger.Warnw("some artifacts could not be analyzed", "err", err)
	}

	if outputFile != "" {
		if err = fs.WriteJSON(outputFile, reports); err != nil {
			return err
		}
	} else {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err = enc.Encode(reports); err != nil {
			return xerrors.Errorf("unable to write report: %w", err)
		}
	}

	threshold := a.conf.Analysis.FailOnCVSS
	for _, r := range reports {
		if threshold <= 10 && len(r.Findings) > 0 && r.MaxScore() >= threshold {
			log.Logger.Infow("CVSS threshold reached", "artifact", r.ArtifactID, "score", r.MaxScore(), "threshold", threshold)
			return exitCode(2)
		}
	}
	return nil
}

func suppression(entries []string) (analyze.Suppression, error) {
	var s analyze.Suppression
	for _, e := range entries {
		if strings.HasPrefix(e, "cpe:") {
			id, err := cpe.Parse(e)
			if err != nil {
				return s, xerrors.Errorf("invalid suppression: %w", err)
			}
			s.Identifiers = append(s.Identifiers, id)
			continue
		}
		s.IDs = append(s.IDs, e)
	}
	return s, nil
}

func hints(conf []config.Hint) analyze.Hints {
	var h analyze.Hints
	for _, c := range conf {
		rule := analyze.HintRule{When: evidence.Product, Contains: c.Contains}
		if c.Vendor != "" {
			rule.Add = append(rule.Add, evidence.Evidence{Type: evidence.Vendor, Source: "hint", Name: "vendor", Value: c.Vendor, Confidence: evidence.High})
		}
		if c.Product != "" {
			rule.Add = append(rule.Add, evidence.Evidence{Type: evidence.Product, Source: "hint", Name: "product", Value: c.Product, Confidence: evidence.High})
		}
		h.Rules = append(h.Rules, rule)
	}
	return h
}

func runPurge(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.updater.Purge(cmd.Context())
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	md, resume, err := a.updater.Metadata(cmd.Context())
	if err != nil {
		return xerrors.Errorf("unable to read metadata: %w", err)
	}
	fmt.Printf("lastModified:     %s\n", md.LastModified.Format(time.RFC3339))
	fmt.Printf("lastFullSyncAt:   %s\n", md.LastFullSyncAt.Format(time.RFC3339))
	fmt.Printf("totalRecordCount: %d\n", md.TotalRecordCount)
	fmt.Printf("storedRecords:    %d\n", md.StoredRecordCount)
	fmt.Printf("schemaVersion:    %d\n", md.SchemaVersion)
	if resume != "" {
		fmt.Printf("unfinished run:   %s\n", resume)
	}
	return nil
}
