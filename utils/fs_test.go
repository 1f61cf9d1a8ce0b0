package utils

import (
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingFs wraps a real filesystem and lets a test break Create.
type failingFs struct {
	afero.Fs
	create func(string) (afero.File, error)
}

func (ffs failingFs) Create(name string) (afero.File, error) {
	if ffs.create != nil {
		return ffs.create(name)
	}
	return ffs.Fs.Create(name)
}

func TestFs_WriteJSON(t *testing.T) {
	type report struct {
		Artifact string    `json:"artifact"`
		At       time.Time `json:"at"`
	}

	testCases := []struct {
		name          string
		fs            afero.Fs
		path          string
		inputData     interface{}
		want          string
		expectedError error
	}{
		{
			name:      "happy path",
			fs:        afero.NewMemMapFs(),
			path:      "reports/nested/report.json",
			inputData: report{Artifact: "pkg:pypi/django@0.95", At: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
			want:      `{"artifact":"pkg:pypi/django@0.95","at":"2024-01-02T03:04:05Z"}`,
		},
		{
			name: "sad path: fs.AppFs.Create returns an error",
			fs: failingFs{
				Fs: afero.NewMemMapFs(),
				create: func(s string) (file afero.File, e error) {
					return nil, errors.New("cannot create file")
				},
			},
			path:          "foo",
			expectedError: errors.New("unable to open a file: cannot create file"),
		},
		{
			name:          "sad path: bad json input data",
			fs:            afero.NewMemMapFs(),
			path:          "foo",
			inputData:     math.NaN(),
			expectedError: errors.New("failed to marshal JSON: json: unsupported value: NaN"),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fs := NewFs(tc.fs)
			err := fs.WriteJSON(tc.path, tc.inputData)
			if tc.expectedError != nil {
				require.Error(t, err)
				assert.Equal(t, tc.expectedError.Error(), err.Error())
				return
			}
			require.NoError(t, err)

			got, err := fs.ReadFile(tc.path)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(got))
		})
	}
}

func TestLookupEnv(t *testing.T) {
	t.Setenv("VULNID_TEST_INT", "12")
	t.Setenv("VULNID_TEST_DURATION", "1m30s")
	t.Setenv("VULNID_TEST_BAD", "twelve")

	assert.Equal(t, "fallback", LookupEnv("VULNID_TEST_MISSING", "fallback"))

	i, err := LookupEnvInt("VULNID_TEST_INT", 3)
	require.NoError(t, err)
	assert.Equal(t, 12, i)

	i, err = LookupEnvInt("VULNID_TEST_MISSING", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, i)

	_, err = LookupEnvInt("VULNID_TEST_BAD", 3)
	assert.Error(t, err)

	d, err := LookupEnvDuration("VULNID_TEST_DURATION", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	ok, err := Exists(dir)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Exists(dir + string(os.PathSeparator) + "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
