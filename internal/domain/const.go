package domain

const (
	RequesterAddressCtxKey = "ps-requesterAddress"
	RequesterIdentityKey   = "ps-requesterIdentity"
)

// Step is one stage of a sync saga, in execution order.
type Step int

const (
	StepUnknown Step = iota
	StepAssembleSnapshot
	StepPackChangedImages
	StepUploadSnapshot
	StepBuildAndSign
	StepSubmit
	StepCommit
	StepFetchPointer
	StepFetchSnapshot
	StepMerge
)

// PublishSteps lists the publish saga states; none may be skipped.
var PublishSteps = []Step{
	StepAssembleSnapshot,
	StepPackChangedImages,
	StepUploadSnapshot,
	StepBuildAndSign,
	StepSubmit,
	StepCommit,
}

func (s Step) String() string {
	switch s {
	case StepAssembleSnapshot:
		return "AssembleSnapshot"
	case StepPackChangedImages:
		return "PackChangedImages"
	case StepUploadSnapshot:
		return "UploadSnapshot"
	case StepBuildAndSign:
		return "BuildAndSign"
	case StepSubmit:
		return "Submit"
	case StepCommit:
		return "Commit"
	case StepFetchPointer:
		return "FetchPointer"
	case StepFetchSnapshot:
		return "FetchSnapshot"
	case StepMerge:
		return "Merge"
	default:
		return "Unknown"
	}
}

// Label is the human readable progress text shown before the step runs.
func (s Step) Label() string {
	switch s {
	case StepAssembleSnapshot:
		return "Preparing profile snapshot"
	case StepPackChangedImages:
		return "Uploading new images"
	case StepUploadSnapshot:
		return "Uploading profile snapshot"
	case StepBuildAndSign:
		return "Waiting for wallet signature"
	case StepSubmit:
		return "Submitting pointer update"
	case StepCommit:
		return "Saving published profile"
	case StepFetchPointer:
		return "Reading on-chain pointer"
	case StepFetchSnapshot:
		return "Downloading published snapshot"
	case StepMerge:
		return "Merging into local profile"
	default:
		return ""
	}
}

func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Step) UnmarshalText(text []byte) error {
	for step := StepAssembleSnapshot; step <= StepMerge; step++ {
		if step.String() == string(text) {
			*s = step
			return nil
		}
	}
	*s = StepUnknown
	return nil
}

type Status string

const (
	StatusRunning Status = "running"
	StatusReused  Status = "reused"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSign    Status = "sign_request"
)

// Event is one progress notification for the UI.
type Event struct {
	IdentityID string `json:"identityId"`
	Step       Step   `json:"step"`
	Label      string `json:"label"`
	Status     Status `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}
