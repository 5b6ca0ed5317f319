package config

import (
	"finalfit/internal/env"
)

// Env returns the profile described by FINALFIT_* environment variables.
// Durations are validated here so a typo fails before any stage runs.
func Env() (Profile, error) {
	var p Profile
	p.User = env.String("FINALFIT_USER", "")
	p.Remote = env.String("FINALFIT_REMOTE", "")
	p.Ledger = env.String("FINALFIT_LEDGER", "")
	p.Archive = env.String("FINALFIT_ARCHIVE", "")
	p.FinalFitDir = env.String("FINALFIT_DIR", "")

	for _, d := range []struct {
		key string
		dst *string
	}{
		{"FINALFIT_POLL_INTERVAL", &p.PollInterval},
		{"FINALFIT_MAX_POLL_INTERVAL", &p.MaxPollInterval},
		{"FINALFIT_MAX_WAIT", &p.MaxWait},
	} {
		v, err := env.Duration(d.key, 0)
		if err != nil {
			return Profile{}, &FileError{Err: err}
		}
		if v > 0 {
			*d.dst = v.String()
		}
	}

	if env.Set("FINALFIT_VERIFY_JOBS") {
		verify, err := env.Bool("FINALFIT_VERIFY_JOBS", false)
		if err != nil {
			return Profile{}, &FileError{Err: err}
		}
		p.VerifyJobs = &verify
	}
	return p, nil
}
