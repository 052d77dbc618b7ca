package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Johnnywatts/forkerDotNet-sub001/internal/model"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/stats"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// jobSummary is the listing shape: enough to triage without per-target noise.
type jobSummary struct {
	ID           string     `json:"id"`
	SourcePath   string     `json:"source_path"`
	Size         int64      `json:"size"`
	State        string     `json:"state"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
	CleanedAt    *time.Time `json:"cleaned_at,omitempty"`
	FailureCode  string     `json:"failure_code,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

type targetDetail struct {
	Name        string     `json:"name"`
	Root        string     `json:"root"`
	State       string     `json:"state"`
	FinalPath   string     `json:"final_path,omitempty"`
	StagedPath  string     `json:"staged_path,omitempty"`
	Digest      string     `json:"digest,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	NextAttempt *time.Time `json:"next_attempt,omitempty"`
	FailureCode string     `json:"failure_code,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

type jobDetail struct {
	jobSummary
	HashAlg      string         `json:"hash_alg"`
	SourceDigest string         `json:"source_digest,omitempty"`
	SourceXXH64  string         `json:"source_xxh64,omitempty"`
	Attempts     int            `json:"attempts,omitempty"`
	NextAttempt  *time.Time     `json:"next_attempt,omitempty"`
	Targets      []targetDetail `json:"targets"`
}

type countersBody struct {
	JobsAdmitted        int64 `json:"jobs_admitted"`
	TargetsStaged       int64 `json:"targets_staged"`
	TargetsPublished    int64 `json:"targets_published"`
	TargetsVerified     int64 `json:"targets_verified"`
	TargetsFailed       int64 `json:"targets_failed"`
	JobsVerified        int64 `json:"jobs_verified"`
	JobsPartiallyFailed int64 `json:"jobs_partially_failed"`
	JobsFailed          int64 `json:"jobs_failed"`
	JobsQuarantined     int64 `json:"jobs_quarantined"`
	SourcesCleaned      int64 `json:"sources_cleaned"`
	OrphansRemoved      int64 `json:"orphans_removed"`
	JobsArchived        int64 `json:"jobs_archived"`
	BytesStaged         int64 `json:"bytes_staged"`
	Retries             int64 `json:"retries"`
}

func summarize(j *model.Job) jobSummary {
	return jobSummary{
		ID:           j.ID,
		SourcePath:   j.SourcePath,
		Size:         j.Size,
		State:        string(j.State),
		DiscoveredAt: j.DiscoveredAt,
		VerifiedAt:   j.VerifiedAt,
		CleanedAt:    j.CleanedAt,
		FailureCode:  j.FailureCode,
		LastError:    j.LastError,
	}
}

func detail(j *model.Job) jobDetail {
	d := jobDetail{
		jobSummary:   summarize(j),
		HashAlg:      j.HashAlg,
		SourceDigest: j.SourceDigest,
		SourceXXH64:  j.SourceXXH64,
		Attempts:     j.Attempts,
		NextAttempt:  j.NextAttempt,
	}
	for _, t := range j.Targets {
		d.Targets = append(d.Targets, targetDetail{
			Name:        t.Name,
			Root:        t.Root,
			State:       string(t.State),
			FinalPath:   t.FinalPath,
			StagedPath:  t.StagedPath,
			Digest:      t.Digest,
			Attempts:    t.Attempts,
			NextAttempt: t.NextAttempt,
			FailureCode: t.FailureCode,
			LastError:   t.LastError,
		})
	}
	return d
}

func counters(s stats.Snapshot) countersBody {
	return countersBody{
		JobsAdmitted:        s.JobsAdmitted,
		TargetsStaged:       s.TargetsStaged,
		TargetsPublished:    s.TargetsPublished,
		TargetsVerified:     s.TargetsVerified,
		TargetsFailed:       s.TargetsFailed,
		JobsVerified:        s.JobsVerified,
		JobsPartiallyFailed: s.JobsPartiallyFailed,
		JobsFailed:          s.JobsFailed,
		JobsQuarantined:     s.JobsQuarantined,
		SourcesCleaned:      s.SourcesCleaned,
		OrphansRemoved:      s.OrphansRemoved,
		JobsArchived:        s.JobsArchived,
		BytesStaged:         s.BytesStaged,
		Retries:             s.Retries,
	}
}

// livenessWindow is how stale the dispatcher's last tick may be before the
// service reports unhealthy. Three missed passes, floored so that slow or
// default tick settings do not flap the check.
func livenessWindow(tick time.Duration) time.Duration {
	w := 3 * tick
	if w < 15*time.Second {
		w = 15 * time.Second
	}
	return w
}

func (s *Server) health(c *gin.Context) {
	last := s.opts.Stats.LastTick()
	age := time.Since(last)
	window := livenessWindow(s.opts.TickInterval)

	body := gin.H{
		"last_tick":    last.UTC().Format(time.RFC3339Nano),
		"tick_age":     age.Round(time.Millisecond).String(),
		"max_tick_age": window.String(),
	}
	if age > window {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "healthy"
	c.JSON(http.StatusOK, body)
}

func (s *Server) status(c *gin.Context) {
	counts, err := s.opts.Store.CountsByState(c.Request.Context())
	if err != nil {
		s.log.Error("status query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state query failed"})
		return
	}
	byState := make(map[string]int64, len(counts))
	for st, n := range counts {
		byState[string(st)] = n
	}
	snap := s.opts.Stats.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"uptime":        snap.Elapsed.Round(time.Second).String(),
		"jobs_by_state": byState,
		"counters":      counters(snap),
		"staging_speed": stats.FormatBytes(int64(s.opts.Stats.RollingSpeed(30))) + "/s",
	})
}

func (s *Server) listJobs(c *gin.Context) {
	state := model.JobState(strings.ToUpper(c.Query("state")))
	if state != "" && !state.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state " + strconv.Quote(string(state))})
		return
	}
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	jobs, err := s.opts.Store.ListJobs(c.Request.Context(), state, limit)
	if err != nil {
		s.log.Error("job listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state query failed"})
		return
	}
	out := make([]jobSummary, len(jobs))
	for i, j := range jobs {
		out[i] = summarize(j)
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (s *Server) getJob(c *gin.Context) {
	id := c.Param("id")
	j, err := s.opts.Store.GetJob(c.Request.Context(), id)
	if errors.Is(err, model.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no job " + strconv.Quote(id)})
		return
	}
	if err != nil {
		s.log.Error("job lookup failed", "job", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state query failed"})
		return
	}
	c.JSON(http.StatusOK, detail(j))
}

func (s *Server) listEvents(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"events": s.opts.Events.Recent(limit)})
}
