package sandbox

// Input is the single JSON document delivered to the sandbox process on
// standard input.
type Input struct {
	Prompt          string  `json:"prompt"`
	SessionToken    string  `json:"session_token,omitempty"`
	Mounts          []Mount `json:"mounts"`
	GroupFolder     string  `json:"group_folder"`
	IsMain          bool    `json:"is_main"`
	IsScheduledTask bool    `json:"is_scheduled_task,omitempty"`
}

// Mount mirrors the validated mount shape for the input payload and the
// audit manifest.
type Mount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly"`
}

// Output is one structured result frame printed by the sandbox on stdout.
// The last frame before exit is the terminal result; earlier frames are
// streamed progress. Every other stdout line is diagnostic text.
type Output struct {
	Status          string `json:"status"` // "success" | "error"
	Result          string `json:"result,omitempty"`
	NewSessionToken string `json:"new_session_token,omitempty"`
	Error           string `json:"error,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ResultKind classifies how a run ended.
type ResultKind int

const (
	// KindSuccess: terminal frame with status "success".
	KindSuccess ResultKind = iota
	// KindFailure: terminal error frame, or abnormal exit without one.
	KindFailure
	// KindTimedOut: wall-clock deadline expired, process group killed.
	KindTimedOut
	// KindOutputTooLarge: cumulative stdout bytes exceeded the cap.
	KindOutputTooLarge
)

func (k ResultKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFailure:
		return "failure"
	case KindTimedOut:
		return "timed_out"
	case KindOutputTooLarge:
		return "output_too_large"
	default:
		return "unknown"
	}
}

// RunResult is the single result every run produces, on every exit path.
type RunResult struct {
	Kind            ResultKind
	Output          string
	NewSessionToken string
	FailureReason   string
}
