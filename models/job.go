package models

// Generation modes understood by the engine wrapper.
const (
	ModeT2V  = "t2v"
	ModeI2V  = "i2v"
	ModeVACE = "vace"
)

// Resolution presets accepted on the command line.
const (
	Resolution480p = "832x480"
	Resolution720p = "1280x720"
)

// Engine flags that map to boolean command-line switches.
const (
	FlagOffloadModel = "offload_model"
	FlagT5CPU        = "t5_cpu"
)

// Extra input names; each maps to "--<name> <absolute path>".
const (
	InputImage    = "image"
	InputSrcVideo = "src_video"
	InputSrcMask  = "src_mask"
)

// JobSpec is what a caller asks for: the CLI flags or the job claim of a
// signed submission. It is resolved into a GenerationJob by the dispatcher.
type JobSpec struct {
	Mode            string            `json:"mode"`
	Prompt          string            `json:"prompt"`
	Image           string            `json:"image,omitempty"`
	Video           string            `json:"video,omitempty"`
	Mask            string            `json:"mask,omitempty"`
	Output          string            `json:"output,omitempty"`
	CheckpointDir   string            `json:"checkpointDir,omitempty"`
	Resolution      string            `json:"resolution,omitempty"`
	OffloadModel    bool              `json:"offloadModel,omitempty"`
	T5CPU           bool              `json:"t5Cpu,omitempty"`
	NoOptimizations bool              `json:"noOptimizations,omitempty"`
	FrameNum        int               `json:"frameNum,omitempty"`
	GuideScale      float64           `json:"guideScale,omitempty"`
	GPU             string            `json:"gpu,omitempty"` // "", "auto" or a device index
	CleanupMask     bool              `json:"cleanupMask,omitempty"`
	CallbackURL     string            `json:"callbackUrl,omitempty"`
	CallbackHeaders map[string]string `json:"callbackHeaders,omitempty"`

	// Publish destinations: backend type -> access key in the credentials store
	StorageKeys map[string]string `json:"storageKeys,omitempty"` // e.g., {"s3":"abc123", "sftp":"def456"}
	SubDir      string            `json:"subDir,omitempty"`
}

// GenerationJob fully determines one engine invocation. It is built once by
// the dispatcher and not modified afterwards.
type GenerationJob struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	Task          string            `json:"task"`
	SizeSpec      string            `json:"size"`
	CheckpointDir string            `json:"ckptDir"`
	Prompt        string            `json:"prompt"`
	ExtraInputs   map[string]string `json:"extraInputs,omitempty"`
	Flags         map[string]bool   `json:"flags,omitempty"`
	FrameNum      int               `json:"frameNum,omitempty"`
	ExtraArgs     []string          `json:"extraArgs,omitempty"`
	Output        string            `json:"output,omitempty"` // recovery destination
}

// HasFlag reports whether a boolean engine flag is enabled.
func (j GenerationJob) HasFlag(name string) bool {
	return j.Flags[name]
}

type WriterJob struct {
	Type        string            // "local", "s3", "gcs" or "sftp"
	Credentials map[string]string // everything else, each write destination has different credentials and own write implementations
}
