package utils

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/xerrors"
)

const appName = "vuln-identify"

func CacheDir() string {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	return filepath.Join(cacheDir, appName)
}

// DataDir holds the local vulnerability database unless configured otherwise.
func DataDir() string {
	return filepath.Join(CacheDir(), "data")
}

func DefaultDBPath() string {
	return filepath.Join(DataDir(), "vulnerability.db")
}

func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return true, err
}

func LookupEnv(key, defaultValue string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultValue
}

func LookupEnvInt(key string, defaultValue int) (int, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, xerrors.Errorf("invalid integer in %s: %w", key, err)
	}
	return i, nil
}

func LookupEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, xerrors.Errorf("invalid duration in %s: %w", key, err)
	}
	return d, nil
}
