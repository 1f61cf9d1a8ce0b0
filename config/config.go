// Package config loads the settings shared by the updater, the store and the analyzer.
package config

import (
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"

	"github.com/aquasecurity/vuln-identify/utils"
)

const envPrefix = "VULNID_"

var ErrInvalid = xerrors.New("invalid configuration")

type Config struct {
	NVD      NVD      `yaml:"nvd"`
	Database Database `yaml:"database"`
	Analysis Analysis `yaml:"analysis"`
}

type NVD struct {
	BaseURL        string        `yaml:"baseURL"`
	APIKey         string        `yaml:"apiKey"`
	BearerToken    string        `yaml:"bearerToken"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	ResultsPerPage int           `yaml:"resultsPerPage"`
	Delay          time.Duration `yaml:"delay"`
	// MaxRetryCount is the number of attempts per page.
	MaxRetryCount int           `yaml:"maxRetryCount"`
	PageTimeout   time.Duration `yaml:"pageTimeout"`
	ValidForHours int           `yaml:"validForHours"`
	// FailOnError stops analysis when the update fails. Otherwise the stale corpus is used.
	FailOnError bool `yaml:"failOnError"`
}

type Database struct {
	Driver           string `yaml:"driver"`
	ConnectionString string `yaml:"connectionString"`
	User             string `yaml:"user"`
	Password         string `yaml:"password"`
}

type Analysis struct {
	Workers int `yaml:"workers"`
	// FailOnCVSS is the score from which a check fails. 11 never fails.
	FailOnCVSS float64 `yaml:"failOnCVSS"`
	// Suppress lists vulnerability ids and CPE patterns to drop from reports.
	Suppress []string `yaml:"suppress"`
	Hints    []Hint   `yaml:"hints"`
}

// Hint adds vendor and product evidence to artifacts whose product evidence contains Contains.
type Hint struct {
	Contains string `yaml:"contains"`
	Vendor   string `yaml:"vendor"`
	Product  string `yaml:"product"`
}

func Default() Config {
	return Config{
		NVD: NVD{
			BaseURL:        "https://services.nvd.nist.gov/rest/json/cves/2.0/",
			ResultsPerPage: 2000,
			Delay:          2 * time.Second,
			MaxRetryCount:  5,
			PageTimeout:    2 * time.Minute,
			ValidForHours:  4,
			FailOnError:    true,
		},
		Database: Database{
			Driver:           "sqlite",
			ConnectionString: utils.DefaultDBPath(),
		},
		Analysis: Analysis{
			Workers:    4,
			FailOnCVSS: 11,
		},
	}
}

// Load reads defaults, then the YAML file at path when given, then the environment.
func Load(fs afero.Fs, path string) (Config, error) {
	conf := Default()
	if path != "" {
		b, err := utils.NewFs(fs).ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err = yaml.Unmarshal(b, &conf); err != nil {
			return Config{}, xerrors.Errorf("unable to decode %s: %w", path, err)
		}
	}
	if err := conf.fromEnv(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

func (c *Config) fromEnv() error {
	c.NVD.BaseURL = utils.LookupEnv(envPrefix+"NVD_BASE_URL", c.NVD.BaseURL)
	c.NVD.APIKey = utils.LookupEnv("NVD_API_KEY", c.NVD.APIKey)
	c.NVD.BearerToken = utils.LookupEnv(envPrefix+"NVD_BEARER_TOKEN", c.NVD.BearerToken)
	c.NVD.User = utils.LookupEnv(envPrefix+"NVD_USER", c.NVD.User)
	c.NVD.Password = utils.LookupEnv(envPrefix+"NVD_PASSWORD", c.NVD.Password)
	c.Database.Driver = utils.LookupEnv(envPrefix+"DB_DRIVER", c.Database.Driver)
	c.Database.ConnectionString = utils.LookupEnv(envPrefix+"DB_CONNECTION_STRING", c.Database.ConnectionString)
	c.Database.User = utils.LookupEnv(envPrefix+"DB_USER", c.Database.User)
	c.Database.Password = utils.LookupEnv(envPrefix+"DB_PASSWORD", c.Database.Password)

	var errs error
	var err error
	if c.NVD.ResultsPerPage, err = utils.LookupEnvInt(envPrefix+"NVD_RESULTS_PER_PAGE", c.NVD.ResultsPerPage); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.NVD.MaxRetryCount, err = utils.LookupEnvInt(envPrefix+"NVD_MAX_RETRY_COUNT", c.NVD.MaxRetryCount); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.NVD.ValidForHours, err = utils.LookupEnvInt(envPrefix+"NVD_VALID_FOR_HOURS", c.NVD.ValidForHours); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.NVD.Delay, err = utils.LookupEnvDuration(envPrefix+"NVD_DELAY", c.NVD.Delay); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.NVD.PageTimeout, err = utils.LookupEnvDuration(envPrefix+"NVD_PAGE_TIMEOUT", c.NVD.PageTimeout); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.Analysis.Workers, err = utils.LookupEnvInt(envPrefix+"ANALYSIS_WORKERS", c.Analysis.Workers); err != nil {
		errs = multierror.Append(errs, err)
	}
	if errs != nil {
		return xerrors.Errorf("unable to read environment: %w", errs)
	}
	return nil
}

// Validate reports every problem at once. The returned error wraps ErrInvalid.
func (c Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, xerrors.Errorf(format, args...))
	}

	if c.NVD.ValidForHours < 0 {
		add("nvd.validForHours must not be negative, got %d", c.NVD.ValidForHours)
	}
	if c.NVD.MaxRetryCount <= 0 {
		add("nvd.maxRetryCount must be positive, got %d", c.NVD.MaxRetryCount)
	}
	if c.NVD.Delay < 0 {
		add("nvd.delay must not be negative, got %s", c.NVD.Delay)
	}
	if c.NVD.ResultsPerPage < 1 || c.NVD.ResultsPerPage > 2000 {
		add("nvd.resultsPerPage must be in [1, 2000], got %d", c.NVD.ResultsPerPage)
	}
	if c.NVD.PageTimeout <= 0 {
		add("nvd.pageTimeout must be positive, got %s", c.NVD.PageTimeout)
	}
	if u, err := url.Parse(c.NVD.BaseURL); err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("nvd.baseURL %q is not an absolute http(s) url", c.NVD.BaseURL)
	}
	basic := c.NVD.User != "" || c.NVD.Password != ""
	if c.NVD.BearerToken != "" && basic {
		add("nvd.bearerToken and basic credentials are mutually exclusive")
	}
	if basic && (c.NVD.User == "" || c.NVD.Password == "") {
		add("nvd basic auth requires both user and password")
	}

	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.ConnectionString == "" {
			add("database.connectionString is required for postgres")
		}
	default:
		add("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	if c.Analysis.Workers < 1 {
		add("analysis.workers must be at least 1, got %d", c.Analysis.Workers)
	}
	if c.Analysis.FailOnCVSS < 0 || c.Analysis.FailOnCVSS > 11 {
		add("analysis.failOnCVSS must be in [0, 11], got %v", c.Analysis.FailOnCVSS)
	}
	for i, h := range c.Analysis.Hints {
		if h.Contains == "" || (h.Vendor == "" && h.Product == "") {
			add("analysis.hints[%d] needs contains and a vendor or product", i)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return xerrors.Errorf("%s: %w", err.Error(), ErrInvalid)
	}
	return nil
}

// ValidFor is the freshness window of a synchronized corpus.
func (c Config) ValidFor() time.Duration {
	return time.Duration(c.NVD.ValidForHours) * time.Hour
}
