package events

// Event type constants for progress and governor events.
const (
	TypeWaitProgress    = "wait_progress"
	TypeCheckProgress   = "preventive_check_progress"
	TypeGovernorMode    = "governor_mode_changed"
	TypeFixStateChanged = "fix_state_changed"
)

// WaitProgressEvent is emitted on each poll tick while an auto-fix waits for
// an effect (e.g. agent registration after an instance start). The invariant
// ElapsedSeconds <= MaxSeconds always holds.
type WaitProgressEvent struct {
	BaseEvent
	TargetID       string `json:"target_id"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	MaxSeconds     int    `json:"max_seconds"`
	Status         string `json:"status"`
	CheckCount     int    `json:"check_count"`
}

// NewWaitProgressEvent creates a wait progress event.
func NewWaitProgressEvent(sessionID, targetID string, elapsed, max, checks int, status string) WaitProgressEvent {
	if elapsed > max {
		elapsed = max
	}
	return WaitProgressEvent{
		BaseEvent:      NewBaseEvent(TypeWaitProgress, sessionID),
		TargetID:       targetID,
		ElapsedSeconds: elapsed,
		MaxSeconds:     max,
		Status:         status,
		CheckCount:     checks,
	}
}

// CheckProgressEvent reports a preventive-check stage before the next stage
// starts.
type CheckProgressEvent struct {
	BaseEvent
	TargetID   string `json:"target_id"`
	StageName  string `json:"stage_name"`
	StageIndex int    `json:"stage_index"`
	StageTotal int    `json:"stage_total"`
	Findings   int    `json:"findings"`
}

// NewCheckProgressEvent creates a preventive-check progress event.
func NewCheckProgressEvent(targetID, stageName string, index, total, findings int) CheckProgressEvent {
	return CheckProgressEvent{
		BaseEvent:  NewBaseEvent(TypeCheckProgress, ""),
		TargetID:   targetID,
		StageName:  stageName,
		StageIndex: index,
		StageTotal: total,
		Findings:   findings,
	}
}

// GovernorModeEvent is emitted when the resource governor toggles low-power
// polling.
type GovernorModeEvent struct {
	BaseEvent
	LowPower bool    `json:"low_power"`
	MemoryMB float64 `json:"memory_mb"`
	CPUPct   float64 `json:"cpu_percent"`
}

// NewGovernorModeEvent creates a governor mode change event.
func NewGovernorModeEvent(lowPower bool, memMB, cpuPct float64) GovernorModeEvent {
	return GovernorModeEvent{
		BaseEvent: NewBaseEvent(TypeGovernorMode, ""),
		LowPower:  lowPower,
		MemoryMB:  memMB,
		CPUPct:    cpuPct,
	}
}

// FixStateChangedEvent tracks an auto-fix attempt's lifecycle.
type FixStateChangedEvent struct {
	BaseEvent
	TargetID string `json:"target_id"`
	Fix      string `json:"fix"`
	State    string `json:"state"`
	Message  string `json:"message,omitempty"`
}

// NewFixStateChangedEvent creates a fix state change event.
func NewFixStateChangedEvent(targetID, fix, state, message string) FixStateChangedEvent {
	return FixStateChangedEvent{
		BaseEvent: NewBaseEvent(TypeFixStateChanged, ""),
		TargetID:  targetID,
		Fix:       fix,
		State:     state,
		Message:   message,
	}
}
