// Package ledger is the durable record of render jobs and capability tokens.
//
// Every ownership change is a single conditional row update whose WHERE clause
// is derived from the same Transition table the code validates against, so a
// lost race surfaces as ErrNotFound instead of a silent overwrite.
package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a render job.
type Status int

const (
	StatusRequiresRender Status = iota
	StatusClaimedRender
	StatusStartedRender
	StatusUploadingRender
	StatusFinishedRender
)

var statusNames = map[Status]string{
	StatusRequiresRender:  "requires_render",
	StatusClaimedRender:   "claimed_render",
	StatusStartedRender:   "started_render",
	StatusUploadingRender: "uploading_render",
	StatusFinishedRender:  "finished_render",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Valid reports whether s is one of the declared states.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Owned reports whether a job in this state must have a claimant.
func (s Status) Owned() bool {
	return s == StatusClaimedRender || s == StatusStartedRender || s == StatusUploadingRender
}

// ParseStatus accepts the String() form.
func ParseStatus(s string) (Status, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for status, name := range statusNames {
		if name == s {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// Transition names one legal edge of the job state machine.
type Transition int

const (
	// TransitionClaim moves a queued job to a single worker.
	TransitionClaim Transition = iota
	// TransitionStart confirms a claim; the worker is about to launch the engine.
	TransitionStart
	// TransitionBeginUpload marks the artifact transfer.
	TransitionBeginUpload
	// TransitionComplete is the only success edge.
	TransitionComplete
	// TransitionFail force-finalizes with a null output.
	TransitionFail
	// TransitionRequeue returns an abandoned claim to the queue.
	TransitionRequeue
	// TransitionRerender is the administrative reset of a finished job.
	TransitionRerender
)

type edge struct {
	name string
	from []Status
	to   Status
}

var edges = map[Transition]edge{
	TransitionClaim:       {"claim", []Status{StatusRequiresRender}, StatusClaimedRender},
	TransitionStart:       {"start", []Status{StatusClaimedRender}, StatusStartedRender},
	TransitionBeginUpload: {"begin_upload", []Status{StatusStartedRender}, StatusUploadingRender},
	TransitionComplete:    {"complete", []Status{StatusUploadingRender}, StatusFinishedRender},
	TransitionFail: {"fail", []Status{
		StatusRequiresRender, StatusClaimedRender, StatusStartedRender, StatusUploadingRender,
	}, StatusFinishedRender},
	TransitionRequeue: {"requeue", []Status{
		StatusClaimedRender, StatusStartedRender, StatusUploadingRender,
	}, StatusRequiresRender},
	TransitionRerender: {"rerender", []Status{StatusFinishedRender}, StatusRequiresRender},
}

func (t Transition) String() string { return edges[t].name }

// From lists the states the transition may start from.
func (t Transition) From() []Status { return edges[t].from }

// To is the resulting state.
func (t Transition) To() Status { return edges[t].to }

// Allows reports whether the transition may start from s.
func (t Transition) Allows(s Status) bool {
	for _, from := range edges[t].from {
		if from == s {
			return true
		}
	}
	return false
}

// Apply validates the edge and returns the resulting state.
func Apply(from Status, t Transition) (Status, error) {
	if _, ok := edges[t]; !ok {
		return from, fmt.Errorf("unknown transition %d", int(t))
	}
	if !t.Allows(from) {
		return from, &TransitionError{From: from, Transition: t}
	}
	return t.To(), nil
}

// Quality is a vertical render resolution.
type Quality int

const (
	Quality480p  Quality = 480
	Quality720p  Quality = 720
	Quality1080p Quality = 1080
	Quality1440p Quality = 1440
	Quality2160p Quality = 2160
)

// Qualities lists every supported render quality, lowest first.
var Qualities = []Quality{Quality480p, Quality720p, Quality1080p, Quality1440p, Quality2160p}

func (q Quality) String() string { return strconv.Itoa(int(q)) + "p" }

// Valid reports whether q is a supported tier.
func (q Quality) Valid() bool {
	for _, v := range Qualities {
		if v == q {
			return true
		}
	}
	return false
}

// Width returns the 16:9 frame width for q.
func (q Quality) Width() int {
	switch q {
	case Quality480p:
		return 854
	case Quality1440p:
		return 2560
	case Quality2160p:
		return 3840
	default:
		return int(q) * 16 / 9
	}
}

// ParseQuality accepts "720p" or "720".
func ParseQuality(s string) (Quality, error) {
	s = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "p")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid quality %q", s)
	}
	q := Quality(n)
	if !q.Valid() {
		return 0, fmt.Errorf("unsupported quality %q", s)
	}
	return q, nil
}

func (q Quality) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

func (q *Quality) UnmarshalText(b []byte) error {
	v, err := ParseQuality(string(b))
	if err != nil {
		return err
	}
	*q = v
	return nil
}

// Origin records who inserted a job.
type Origin string

const (
	OriginWeb      Origin = "web"
	OriginBot      Origin = "bot"
	OriginImporter Origin = "importer"
)

// RenderJob is one row of the ledger.
type RenderJob struct {
	JobID   string
	ShareID string

	Title         string
	TitleMod      string
	MapName       string
	WorkshopRef   string
	RenderQuality Quality
	RenderOptions string
	ReplayRef     string

	PlaybackSeconds float64
	TickRate        float64

	RequiresFixedReplay bool
	RequiresRepair      bool

	Origin         Origin
	RequestedBy    string
	RequestChannel string

	Status            Status
	ClaimedByWorkerID string
	ClaimedByNode     string
	ClaimedAt         *time.Time

	CreatedAt         time.Time
	RerenderStartedAt *time.Time
	RenderedAt        *time.Time

	OutputURL         string
	OutputSize        int64
	ExternalStorageID string
	FailureReason     string
}

// Options splits RenderOptions into individual console commands.
func (j *RenderJob) Options() []string {
	var out []string
	for _, line := range strings.Split(j.RenderOptions, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Succeeded reports whether the job finished with an artifact.
func (j *RenderJob) Succeeded() bool {
	return j.Status == StatusFinishedRender && j.OutputURL != ""
}

// StaleSince is the reference point for staleness: the latest of creation, the
// last requeue or rerender, and the current claim.
func (j *RenderJob) StaleSince() time.Time {
	ref := j.CreatedAt
	for _, t := range []*time.Time{j.RerenderStartedAt, j.ClaimedAt} {
		if t != nil && t.After(ref) {
			ref = *t
		}
	}
	return ref
}

// SingleTier trims jobs (already ordered by quality descending) to the quality of
// the first element. A worker never receives a mixed-quality batch.
func SingleTier(jobs []RenderJob) []RenderJob {
	if len(jobs) == 0 {
		return jobs
	}
	top := jobs[0].RenderQuality
	for i := range jobs {
		if jobs[i].RenderQuality != top {
			return jobs[:i]
		}
	}
	return jobs
}
