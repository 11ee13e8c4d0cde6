package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM filters out soft-deleted records from all queries unless Unscoped()
// is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Connections
// -----------------------------------------------------------------------------

// ConnectionKind identifies the external RDBMS family a Connection points at.
type ConnectionKind string

const (
	ConnectionSQLServer  ConnectionKind = "sqlserver"
	ConnectionMySQL      ConnectionKind = "mysql"
	ConnectionPostgreSQL ConnectionKind = "postgresql"
)

// Connection is a reference to an external source or target database.
// ConnectionString is stored as PWENC ciphertext (see internal/crypto) and is
// decrypted only in memory during execution — it is never logged and never
// returned in plaintext outside a pipeline run.
type Connection struct {
	base
	Name             string         `gorm:"uniqueIndex;not null"`
	Kind             ConnectionKind `gorm:"not null"`
	ConnectionString string         `gorm:"type:text;not null"` // PWENC ciphertext
	Enabled          bool           `gorm:"not null;default:true"`
	IntegrityHash    string         `gorm:"not null;default:''"`
}

// -----------------------------------------------------------------------------
// Destinations
// -----------------------------------------------------------------------------

// DestinationKind identifies a delivery endpoint family.
type DestinationKind string

const (
	DestLocal        DestinationKind = "local"
	DestFTP          DestinationKind = "ftp"
	DestSFTP         DestinationKind = "sftp"
	DestS3           DestinationKind = "s3"
	DestAzureBlob    DestinationKind = "azureblob"
	DestHTTP         DestinationKind = "http"
	DestEmail        DestinationKind = "email"
	DestNetworkShare DestinationKind = "networkshare"
	DestWebDav       DestinationKind = "webdav"
)

// Destination is a delivery endpoint. Configuration holds provider-specific
// settings as JSON. Two at-rest encodings coexist: the whole JSON string may be
// a single PWENC ciphertext (current writes), or a plaintext JSON whose secret
// leaves are individually PWENC-encrypted (legacy). Reads detect the form via
// the PWENC marker. UI reads always receive secrets masked as "[SECRET]".
type Destination struct {
	base
	Name          string          `gorm:"not null"`
	Kind          DestinationKind `gorm:"not null"`
	Configuration string          `gorm:"type:text;not null;default:'{}'"`
	Enabled       bool            `gorm:"not null;default:true"`
	IntegrityHash string          `gorm:"not null;default:''"`
}

// -----------------------------------------------------------------------------
// Profiles (export)
// -----------------------------------------------------------------------------

// ScheduleKind selects how a profile or job is triggered.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleWebhook  ScheduleKind = "webhook"
	ScheduleManual   ScheduleKind = "manual"
)

// Profile is a unit of scheduled data movement: read rows from a connection,
// optionally transform and split them, and deliver the result to a destination.
//
// Association fields are intentionally absent. GORM cannot resolve foreign
// keys when the primary key is uuid.UUID (a custom type); related records are
// loaded via explicit queries in the repository layer.
type Profile struct {
	softDelete
	Code         string     `gorm:"uniqueIndex;not null"` // short code, "P-XXXX"
	Name         string     `gorm:"not null"`
	ConnectionID uuid.UUID  `gorm:"type:text;not null;index"`
	GroupID      *uuid.UUID `gorm:"type:text;index"`
	Query        string     `gorm:"type:text;not null"`

	ScheduleKind    ScheduleKind `gorm:"not null;default:'manual'"`
	CronExpression  string       `gorm:"default:''"`
	IntervalMinutes int          `gorm:"default:0"`

	OutputFormat  string     `gorm:"not null;default:'csv'"`
	DestinationID *uuid.UUID `gorm:"type:text;index"`
	TemplateID    *uuid.UUID `gorm:"type:text;index"`
	TemplateKind  string     `gorm:"default:''"` // "", "forxml", "forjson", "scriban", "xslt", "document"
	TemplateBody  string     `gorm:"type:text;default:''"`
	TransformOptions string  `gorm:"type:text;default:''"` // JSON parameters for native FOR XML/JSON wrapping

	PreProcessJSON  string `gorm:"type:text;default:''"`
	PostProcessJSON string `gorm:"type:text;default:''"`

	// Splitting configuration. SplitKeyColumn is required when SplitEnabled is
	// set on a non-email profile; SplitBatchSize must be >= 1.
	SplitEnabled        bool   `gorm:"not null;default:false"`
	SplitKeyColumn      string `gorm:"default:''"`
	SplitFilenameTpl    string `gorm:"default:''"`
	SplitBatchSize      int    `gorm:"default:0"`
	PostProcessPerSplit bool   `gorm:"not null;default:false"`

	// Email export configuration. Either RecipientsColumn or
	// RecipientsHardcoded must be set when IsEmailExport is true.
	IsEmailExport        bool   `gorm:"not null;default:false"`
	RecipientsColumn     string `gorm:"default:''"`
	RecipientsHardcoded  string `gorm:"default:''"`
	CCAddresses          string `gorm:"default:''"`
	EmailSubject         string `gorm:"default:''"`
	SubjectColumn        string `gorm:"default:''"`
	AttachmentConfigJSON string `gorm:"type:text;default:''"`
	ApprovalRequired     bool   `gorm:"not null;default:false"`
	SuccessThresholdPct  int    `gorm:"default:100"`

	// Delta sync configuration; see internal/delta.
	DeltaEnabled          bool   `gorm:"not null;default:false"`
	DeltaReefIDColumn     string `gorm:"default:''"`
	DeltaHashAlgorithm    string `gorm:"default:'sha256'"` // sha256, sha512, md5
	DeltaDuplicatePolicy  string `gorm:"default:'strict'"` // strict, skip
	DeltaNullPolicy       string `gorm:"default:'strict'"` // strict, skip, generate
	DeltaNumericPrecision int    `gorm:"default:6"`
	DeltaIDNormalization  string `gorm:"default:''"` // tokens: Trim, Lowercase, RemoveWhitespace
	DeltaStripNonPrint    bool   `gorm:"not null;default:false"`
	DeltaTrackDeletes     bool   `gorm:"not null;default:false"`
	DeltaRetentionDays    int    `gorm:"default:0"`
	DeltaResetOnSchema    bool   `gorm:"not null;default:false"`

	Enabled        bool `gorm:"not null;default:true"`
	IntegrityHash  string `gorm:"not null;default:''"`
	LastExecutedAt *time.Time
}

// -----------------------------------------------------------------------------
// Import profiles
// -----------------------------------------------------------------------------

// ImportProfile mirrors Profile for ingestion: fetch files or HTTP bodies from
// a source, parse and map them, and write rows to a target database or file.
type ImportProfile struct {
	softDelete
	Code string `gorm:"uniqueIndex;not null"` // short code, "I-XXXX"
	Name string `gorm:"not null"`

	SourceKind    DestinationKind `gorm:"not null"`                        // local, ftp, sftp, s3, azureblob, http, networkshare
	SourceConfig  string          `gorm:"type:text;not null;default:'{}'"` // PWENC or field-level ciphertext
	FilePattern   string          `gorm:"default:'*'"`
	SelectionRule string          `gorm:"not null;default:'all'"` // oldest, newest, all
	ArchiveAfter  bool            `gorm:"not null;default:false"`
	ArchivePath   string          `gorm:"default:''"`

	SourceFormat string `gorm:"not null;default:'csv'"` // csv, json, xml, fixedwidth
	FormatConfig string `gorm:"type:text;default:'{}'"`
	MappingsJSON string `gorm:"type:text;not null;default:'[]'"` // []pipeline.ColumnMapping

	ScheduleKind    ScheduleKind `gorm:"not null;default:'manual'"`
	CronExpression  string       `gorm:"default:''"`
	IntervalMinutes int          `gorm:"default:0"`

	TargetKind         string     `gorm:"not null;default:'database'"` // database, localfile
	TargetConnectionID *uuid.UUID `gorm:"type:text;index"`
	TargetTable        string     `gorm:"default:''"`
	TargetPath         string     `gorm:"default:''"`
	TargetFormat       string     `gorm:"default:'csv'"`
	TargetWriteMode    string     `gorm:"default:'overwrite'"` // overwrite, append

	LoadStrategy     string `gorm:"not null;default:'insert'"` // insert, upsert, fullreplace, append
	UpsertKeyColumns string `gorm:"default:''"`                // comma-separated
	BatchSize        int    `gorm:"default:500"`

	PreProcessJSON  string `gorm:"type:text;default:''"`
	PostProcessJSON string `gorm:"type:text;default:''"`

	// Failure policy knobs.
	OnSourceFailure       string  `gorm:"default:'fail'"` // fail, skip
	OnParseFailure        string  `gorm:"default:'fail'"` // fail, skip
	OnRowFailure          string  `gorm:"default:'fail'"` // fail, skip, continue
	OnConstraintViolation string  `gorm:"default:'fail'"`
	MaxFailedRows         int     `gorm:"default:0"` // absolute abort threshold, 0 = unlimited
	MaxFailedRowsPercent  float64 `gorm:"default:0"` // relative abort threshold, 0 = unlimited
	RollbackOnAbort       bool    `gorm:"not null;default:false"`
	RetryCount            int     `gorm:"default:2"`

	SkipUnmapped   bool `gorm:"not null;default:true"`
	AutoMapColumns bool `gorm:"not null;default:false"`

	// Delta sync shares the export-profile semantics.
	DeltaEnabled        bool   `gorm:"not null;default:false"`
	DeltaReefIDColumn   string `gorm:"default:''"`
	DeltaHashAlgorithm  string `gorm:"default:'sha256'"`
	DeltaTrackDeletes   bool   `gorm:"not null;default:false"`
	DeltaDeleteStrategy string `gorm:"default:'soft'"` // soft, hard
	DeltaDeleteColumn   string `gorm:"default:''"`     // flag column for soft deletes
	DeltaRetentionDays  int    `gorm:"default:0"`

	Enabled        bool `gorm:"not null;default:true"`
	IntegrityHash  string `gorm:"not null;default:''"`
	LastExecutedAt *time.Time
}

// -----------------------------------------------------------------------------
// Dependencies
// -----------------------------------------------------------------------------

// Dependency is a directed edge: DependentID runs after PrerequisiteID.
// The graph over all enabled profiles must stay acyclic; the resolver rejects
// edges that would introduce a cycle, self-edges, and duplicates at write time.
type Dependency struct {
	base
	DependentID    uuid.UUID `gorm:"type:text;not null;index:idx_dep_pair,unique"`
	PrerequisiteID uuid.UUID `gorm:"type:text;not null;index:idx_dep_pair,unique"`
	ExecutionOrder int       `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Executions
// -----------------------------------------------------------------------------

// ExecStatus is the terminal (or in-flight) status of one execution attempt.
type ExecStatus string

const (
	ExecRunning        ExecStatus = "running"
	ExecSuccess        ExecStatus = "success"
	ExecPartialSuccess ExecStatus = "partial_success"
	ExecFailed         ExecStatus = "failed"
	ExecAborted        ExecStatus = "aborted"
	ExecCancelled      ExecStatus = "cancelled"
)

// TriggerSource records what caused an execution.
type TriggerSource string

const (
	TriggerManual     TriggerSource = "manual"
	TriggerSchedule   TriggerSource = "schedule"
	TriggerWebhook    TriggerSource = "webhook"
	TriggerDependency TriggerSource = "dependency"
)

// Execution is one attempt at running a profile or import profile.
// PhaseTimings is a JSON map of phase name to elapsed milliseconds.
//
// Splits is populated manually by GetByIDWithSplits — not managed by GORM
// (uuid.UUID primary keys defeat GORM's foreign key resolution).
type Execution struct {
	base
	ProfileID   uuid.UUID     `gorm:"type:text;not null;index"`
	ProfileKind string        `gorm:"not null;default:'export'"` // export, import
	Status      ExecStatus    `gorm:"not null;default:'running'"`
	TriggeredBy TriggerSource `gorm:"not null;default:'manual'"`

	StartedAt   time.Time `gorm:"not null"`
	CompletedAt *time.Time

	RowsRead     int64 `gorm:"default:0"`
	RowsInserted int64 `gorm:"default:0"`
	RowsUpdated  int64 `gorm:"default:0"`
	RowsSkipped  int64 `gorm:"default:0"`
	RowsFailed   int64 `gorm:"default:0"`
	RowsDeleted  int64 `gorm:"default:0"`
	BytesTotal   int64 `gorm:"default:0"`

	CurrentPhase string `gorm:"default:''"`
	Error        string `gorm:"type:text;default:''"`
	PhaseTimings string `gorm:"type:text;default:'{}'"`
	OutputPath   string `gorm:"type:text;default:''"`

	Splits []ExecutionSplit `gorm:"-"`
}

// ExecutionSplit records the outcome of one split artifact (or one email)
// produced during an execution. A run with failed splits completes as
// partial_success rather than failed when at least one split succeeded.
type ExecutionSplit struct {
	base
	ExecutionID uuid.UUID  `gorm:"type:text;not null;index"`
	SplitKey    string     `gorm:"not null"`
	Status      ExecStatus `gorm:"not null;default:'running'"`
	RowCount    int64      `gorm:"default:0"`
	CompletedAt *time.Time
	Error       string `gorm:"type:text;default:''"`
}

// RowError records a single failed row during an import run, kept for
// operator inspection. Inserted in bulk at flush time.
type RowError struct {
	base
	ExecutionID uuid.UUID `gorm:"type:text;not null;index"`
	LineNumber  int64     `gorm:"default:0"`
	Message     string    `gorm:"type:text;not null"`
	RawRow      string    `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Delta sync state
// -----------------------------------------------------------------------------

// DeltaState is the per-(profile, reef_id) change-detection record.
// RowHash is the canonical content hash from the last committed sighting.
// State is committed strictly after delivery succeeds, so a failed run leaves
// the previous state intact and the next run re-detects the same rows.
type DeltaState struct {
	ProfileID           uuid.UUID `gorm:"type:text;primaryKey"`
	ReefID              string    `gorm:"primaryKey"`
	RowHash             string    `gorm:"not null"`
	FirstSeenAt         time.Time `gorm:"not null"`
	LastSeenAt          time.Time `gorm:"not null;index"`
	LastSeenExecutionID uuid.UUID `gorm:"type:text"`
	IsDeleted           bool      `gorm:"not null;default:false;index"`
	DeletedAt           *time.Time
}

// DeltaSchema remembers the column set last seen for a profile so that
// reset-on-schema-change can detect drift. ColumnsHash is the entity hash of
// the sorted column names.
type DeltaSchema struct {
	ProfileID   uuid.UUID `gorm:"type:text;primaryKey"`
	ColumnsHash string    `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null;autoUpdateTime"`
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is a scheduling envelope that executes one or more profiles, in order,
// with optional dependency gating. Priority orders the scheduler queue (higher
// first). ConsecutiveFailures feeds the circuit breaker: at the threshold the
// job is disabled until an external retrigger succeeds.
//
// Profiles is populated manually by GetByIDWithProfiles — not managed by GORM.
type Job struct {
	softDelete
	Name            string `gorm:"not null"`
	Priority        int    `gorm:"not null;default:0"`
	AllowConcurrent bool   `gorm:"not null;default:false"`
	TimeoutMinutes  int    `gorm:"default:60"`
	MaxRetries      int    `gorm:"default:0"`

	ScheduleKind    ScheduleKind `gorm:"not null;default:'manual'"`
	CronExpression  string       `gorm:"default:''"`
	IntervalMinutes int          `gorm:"default:0"`

	Enabled             bool       `gorm:"not null;default:true"`
	ConsecutiveFailures int        `gorm:"not null;default:0"`
	NextRunTime         *time.Time `gorm:"index"`
	LastRunTime         *time.Time

	Profiles []JobProfile `gorm:"-"`
}

// JobProfile links a job to the profiles it executes. Position orders the
// profiles within the job; IgnoreDependencies skips the resolver gate for
// that entry.
type JobProfile struct {
	base
	JobID              uuid.UUID `gorm:"type:text;not null;index"`
	ProfileID          uuid.UUID `gorm:"type:text;not null;index"`
	ProfileKind        string    `gorm:"not null;default:'export'"` // export, import
	Position           int       `gorm:"not null;default:0"`
	IgnoreDependencies bool      `gorm:"not null;default:false"`
}

// ScheduledTask is the scheduler-facing row for a standalone profile schedule.
// Saving a profile with a cron or interval schedule creates or updates its
// task; switching to webhook/manual deletes it.
type ScheduledTask struct {
	base
	TargetKind  string     `gorm:"not null"` // export, import
	TargetID    uuid.UUID  `gorm:"type:text;not null;uniqueIndex"`
	NextRunTime *time.Time `gorm:"index"`
	LastRunAt   *time.Time
}

// -----------------------------------------------------------------------------
// Webhook triggers
// -----------------------------------------------------------------------------

// WebhookTrigger allows an external caller to start a profile, import, or job
// by presenting a bearer token. Raw tokens are never stored — only
// base64(sha256(token)). MaxPerHour 0 means unlimited; 1 means once per window.
type WebhookTrigger struct {
	base
	Name            string    `gorm:"not null"`
	TargetKind      string    `gorm:"not null"` // export, import, job
	TargetID        uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash       string    `gorm:"not null;uniqueIndex"`
	IsActive        bool      `gorm:"not null;default:true"`
	MaxPerHour      int       `gorm:"not null;default:100"`
	LastTriggeredAt *time.Time
	TriggerCount    int64 `gorm:"not null;default:0"`
}
