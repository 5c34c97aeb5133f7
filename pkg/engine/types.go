package engine

import (
	"fmt"
	"strconv"
	"time"
)

// RecordType is the closed enumeration of record kinds held by the store.
// The kind is decided once at creation and never changes.
type RecordType string

const (
	// Payload records produced by ingestion. These are the "source types"
	// that per-type frame ticks batch into frame groups.
	RecordImage  RecordType = "image"
	RecordAudio  RecordType = "audio"
	RecordMotion RecordType = "motion"

	// Frame pipeline records.
	RecordFrameGroup      RecordType = "frame_group"
	RecordMainFrame       RecordType = "main_frame"
	RecordPreviousPointer RecordType = "previous_pointer"
	RecordTaskMarker      RecordType = "task_marker"
	RecordAnnounceMarker  RecordType = "announce_marker"
	RecordCompletedMarker RecordType = "completed_marker"

	// Job center records.
	RecordTaskItem           RecordType = "task_item"
	RecordTaskDetail         RecordType = "task_detail"
	RecordProcessingMarker   RecordType = "processing_marker"
	RecordWorkerRegistration RecordType = "worker_registration"
	RecordPartitionEntry     RecordType = "partition_entry"

	// RecordAggregateSnapshot is the singleton holding the last persisted aggregate.
	RecordAggregateSnapshot RecordType = "aggregate_snapshot"
)

// SourceTypes lists the payload record types in tick order.
var SourceTypes = []RecordType{RecordImage, RecordAudio, RecordMotion}

// IsSource reports whether t is a payload type batched by frame ticks.
func (t RecordType) IsSource() bool {
	switch t {
	case RecordImage, RecordAudio, RecordMotion:
		return true
	default:
		return false
	}
}

// Validate checks that t belongs to the closed set.
func (t RecordType) Validate() error {
	switch t {
	case RecordImage, RecordAudio, RecordMotion,
		RecordFrameGroup, RecordMainFrame, RecordPreviousPointer,
		RecordTaskMarker, RecordAnnounceMarker, RecordCompletedMarker,
		RecordTaskItem, RecordTaskDetail, RecordProcessingMarker,
		RecordWorkerRegistration, RecordPartitionEntry,
		RecordAggregateSnapshot:
		return nil
	default:
		return NewInvariantError(fmt.Sprintf("unknown record type %q", string(t)), nil)
	}
}

// ParseSourceType converts a stored property back into a payload type.
// Anything outside the payload set is an invariant violation.
func ParseSourceType(s string) (RecordType, error) {
	t := RecordType(s)
	if !t.IsSource() {
		return "", NewInvariantError(fmt.Sprintf("unsupported source type %q", s), nil)
	}
	return t, nil
}

// Relation names used for links between records.
const (
	RelMember   = "member"
	RelPrevious = "previous"
	RelDetail   = "detail"
)

// Property keys shared between packages.
const (
	PropSourceType     = "source_type"
	PropRecord         = "record"
	PropFrameGroup     = "frame_group"
	PropFrameIndex     = "frame_index"
	PropMainFrame      = "main_frame"
	PropTimestampMs    = "timestamp_ms"
	PropAggregate      = "aggregate"
	PropIndexed        = "indexed"
	PropMembers        = "members"
	PropIdentity       = "identity"
	PropRef            = "ref"
	PropStage          = "stage"
	PropCategory       = "category"
	PropDetail         = "detail"
	PropSource         = "source"
	PropProcessingAddr = "processing_addr"
	PropCompletedAddr  = "completed_addr"
	PropReplyAddr      = "reply_addr"
	PropPartition      = "partition"
	PropWorker         = "worker"
	PropMarker         = "marker"
	PropValue          = "value"
	PropGenesis        = "genesis"
	PropLinked         = "linked"
)

// Completed marker stages.
const (
	StageFrame = "frame"
	StageFuse  = "fuse"
	StageTask  = "task"
)

// MainFrame is the decoded view of a main_frame record.
type MainFrame struct {
	ID         string
	Timestamp  time.Time
	Aggregate  float64
	FrameIndex int64
	Genesis    bool
}

// DecodeMainFrame builds a MainFrame from stored properties.
func DecodeMainFrame(id string, props map[string]string) (MainFrame, error) {
	mf := MainFrame{ID: id, Genesis: props[PropGenesis] == "true"}
	ms, err := strconv.ParseInt(props[PropTimestampMs], 10, 64)
	if err != nil {
		return mf, fmt.Errorf("main frame %s: bad timestamp: %w", id, err)
	}
	mf.Timestamp = time.UnixMilli(ms)
	if v := props[PropAggregate]; v != "" {
		if mf.Aggregate, err = strconv.ParseFloat(v, 64); err != nil {
			return mf, fmt.Errorf("main frame %s: bad aggregate: %w", id, err)
		}
	}
	if v := props[PropFrameIndex]; v != "" {
		if mf.FrameIndex, err = strconv.ParseInt(v, 10, 64); err != nil {
			return mf, fmt.Errorf("main frame %s: bad frame index: %w", id, err)
		}
	}
	return mf, nil
}

// TaskDetail describes one unit of job-center work.
type TaskDetail struct {
	ID             string `json:"id,omitempty"`
	Category       string `json:"category" validate:"required"`
	Source         string `json:"source" validate:"required"`
	ProcessingAddr string `json:"processing_addr,omitempty"`
	CompletedAddr  string `json:"completed_addr,omitempty"`
	ReplyAddr      string `json:"reply_addr,omitempty"`
}

// Props converts the detail into record properties.
func (d TaskDetail) Props() map[string]string {
	return map[string]string{
		PropCategory:       d.Category,
		PropSource:         d.Source,
		PropProcessingAddr: d.ProcessingAddr,
		PropCompletedAddr:  d.CompletedAddr,
		PropReplyAddr:      d.ReplyAddr,
	}
}

// DecodeTaskDetail builds a TaskDetail from stored properties.
func DecodeTaskDetail(id string, props map[string]string) TaskDetail {
	return TaskDetail{
		ID:             id,
		Category:       props[PropCategory],
		Source:         props[PropSource],
		ProcessingAddr: props[PropProcessingAddr],
		CompletedAddr:  props[PropCompletedAddr],
		ReplyAddr:      props[PropReplyAddr],
	}
}

// WorkerConfig is the declaration a worker sends to the registrar and the
// job center at startup.
type WorkerConfig struct {
	Identity    string   `json:"identity" yaml:"identity" validate:"required"`
	Preferences []string `json:"preferences" yaml:"preferences" validate:"required,min=1,dive,required"`
}

// CoordinatorConfig is the declaration a coordinator process sends to the registrar.
type CoordinatorConfig struct {
	Identity string   `json:"identity" yaml:"identity" validate:"required"`
	Roles    []string `json:"roles,omitempty" yaml:"roles"`
}
