package model

import "time"

type DetectionKind string

const (
	KindPhone              DetectionKind = "phone"
	KindMultipleFaces      DetectionKind = "multiple_faces"
	KindLookingAway        DetectionKind = "looking_away"
	KindUnauthorizedPerson DetectionKind = "unauthorized_person"
	KindSuspiciousObject   DetectionKind = "suspicious_object"
)

// Kinds lists detection kinds in declaration order. Consolidation output and
// tie-breaks follow this order.
var Kinds = []DetectionKind{
	KindPhone,
	KindMultipleFaces,
	KindLookingAway,
	KindUnauthorizedPerson,
	KindSuspiciousObject,
}

func (k DetectionKind) Valid() bool {
	return KindRank(k) >= 0
}

// KindRank returns the position of k in Kinds, or -1.
func KindRank(k DetectionKind) int {
	for i, v := range Kinds {
		if v == k {
			return i
		}
	}
	return -1
}

type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Frame is one sampled observation from a proctoring session. Index is assigned by
// the engine on arrival and is the frame's ordinal within the session.
type Frame struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	ImageData []byte    `json:"image_data,omitempty"`
	MIMEType  string    `json:"mime_type,omitempty"`
	Source    string    `json:"source,omitempty"`
	Index     int       `json:"index"`
}

type RawDetection struct {
	Kind             DetectionKind `json:"kind"`
	Confidence       int           `json:"confidence"`
	BoundingBox      *BoundingBox  `json:"bounding_box,omitempty"`
	SourceFrameIndex int           `json:"source_frame_index"`
}

type ConsolidatedFinding struct {
	WindowID          string        `json:"window_id"`
	Kind              DetectionKind `json:"kind"`
	OccurrenceCount   int           `json:"occurrence_count"`
	MaxConfidence     int           `json:"max_confidence"`
	AvgConfidence     float64       `json:"avg_confidence"`
	RepresentativeBox *BoundingBox  `json:"representative_box,omitempty"`
}

// DedupeKey identifies the alert a finding may produce; retries of the same window
// map to the same key.
func (f ConsolidatedFinding) DedupeKey() string {
	return f.WindowID + "|" + string(f.Kind)
}

type AlertSeverity string

const (
	AlertLow      AlertSeverity = "low"
	AlertMedium   AlertSeverity = "medium"
	AlertHigh     AlertSeverity = "high"
	AlertCritical AlertSeverity = "critical"
)

func (s AlertSeverity) Rank() int {
	switch s {
	case AlertLow:
		return 1
	case AlertMedium:
		return 2
	case AlertHigh:
		return 3
	case AlertCritical:
		return 4
	}
	return 0
}

type Alert struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"session_id"`
	AlertType       DetectionKind `json:"alert_type"`
	Severity        AlertSeverity `json:"severity"`
	ConfidenceScore int           `json:"confidence_score"`
	Description     string        `json:"description"`
	Acknowledged    bool          `json:"acknowledged"`
	AcknowledgedBy  string        `json:"acknowledged_by,omitempty"`
	DedupeKey       string        `json:"dedupe_key"`
	CreatedAt       time.Time     `json:"created_at"`
}

type IncidentType string

const (
	IncidentCheatingConfirmed      IncidentType = "cheating_confirmed"
	IncidentUnauthorizedAssistance IncidentType = "unauthorized_assistance"
	IncidentTechnicalViolation     IncidentType = "technical_violation"
	IncidentFalsePositive          IncidentType = "false_positive"
)

func (t IncidentType) Valid() bool {
	switch t {
	case IncidentCheatingConfirmed, IncidentUnauthorizedAssistance, IncidentTechnicalViolation, IncidentFalsePositive:
		return true
	}
	return false
}

type IncidentSeverity string

const (
	IncidentMinor    IncidentSeverity = "minor"
	IncidentModerate IncidentSeverity = "moderate"
	IncidentMajor    IncidentSeverity = "major"
	IncidentCritical IncidentSeverity = "critical"
)

type IncidentStatus string

const (
	IncidentPending       IncidentStatus = "pending"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentResolved      IncidentStatus = "resolved"
	IncidentDismissed     IncidentStatus = "dismissed"
)

// Open reports whether the incident still awaits review.
func (s IncidentStatus) Open() bool {
	return s == IncidentPending || s == IncidentInvestigating
}

type Incident struct {
	ID             string           `json:"id"`
	SessionID      string           `json:"session_id"`
	IncidentType   IncidentType     `json:"incident_type"`
	Severity       IncidentSeverity `json:"severity"`
	Status         IncidentStatus   `json:"status"`
	ReportedBy     string           `json:"reported_by"`
	ResolutionNote string           `json:"resolution_note,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type SessionStatus string

const (
	SessionNotStarted SessionStatus = "not_started"
	SessionInProgress SessionStatus = "in_progress"
	SessionSubmitted  SessionStatus = "submitted"
	SessionFlagged    SessionStatus = "flagged"
	SessionTerminated SessionStatus = "terminated"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionSubmitted || s == SessionFlagged || s == SessionTerminated
}

type ExamSession struct {
	ID                      string        `json:"id"`
	ExamID                  string        `json:"exam_id"`
	StudentID               string        `json:"student_id"`
	Status                  SessionStatus `json:"status"`
	StartedAt               *time.Time    `json:"started_at,omitempty"`
	EndedAt                 *time.Time    `json:"ended_at,omitempty"`
	BiometricVerified       bool          `json:"biometric_verified"`
	Score                   *float64      `json:"score,omitempty"`
	SuspiciousActivityCount int           `json:"suspicious_activity_count"`
	IPAddress               string        `json:"ip_address,omitempty"`
	UserAgent               string        `json:"user_agent,omitempty"`
	AuditRequired           bool          `json:"audit_required"`
	TerminationReason       string        `json:"termination_reason,omitempty"`
	CreatedAt               time.Time     `json:"created_at"`
}
