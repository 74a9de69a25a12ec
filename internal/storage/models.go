package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Training states recorded on an agent.
const (
	TrainingIdle    = "idle"
	TrainingRunning = "training"
	TrainingSuccess = "success"
	TrainingError   = "error"
)

// Agent is the locally owned configuration of a conversational agent.
type Agent struct {
	ID                  string
	UserID              string
	Name                string
	Instructions        string
	Model               string
	Temperature         float64
	MaxPromptTokens     int
	MaxCompletionTokens int
	ErrorMessage        string
	WelcomeMessage      string
	// AssistantID is the remote assistant bound to this agent, empty when none.
	AssistantID     string
	SourceIDs       []string
	TrainingStatus  string
	TrainingMessage string
	LastTrainedAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type KnowledgeSource struct {
	ID          string
	UserID      string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Texts    []TextBlock
	QA       []QAPair
	Websites []Website
	Catalogs []Catalog
	Files    []SourceFile
}

type TextBlock struct {
	ID      string
	Content string
}

type QAPair struct {
	ID       string
	Question string
	Answer   string
}

type Website struct {
	ID  string
	URL string
}

type Catalog struct {
	ID           string
	Instructions string
	Products     []Product
}

type Product struct {
	Title       string
	Description string
	Price       float64
	TaxRate     float64
	Categories  []string
}

// SourceFile references raw bytes by local path or http(s) URL.
type SourceFile struct {
	ID      string
	Name    string
	BlobURL string
}

// ItemKind names a knowledge source content table.
type ItemKind string

const (
	ItemText    ItemKind = "text"
	ItemQA      ItemKind = "qa"
	ItemWebsite ItemKind = "website"
	ItemCatalog ItemKind = "catalog"
	ItemFile    ItemKind = "file"
)

// RemoteFile records a file uploaded to the remote service. SourceID is
// empty for files not tied to a knowledge source.
type RemoteFile struct {
	ID           string
	AgentID      string
	SourceID     string
	Name         string
	RemoteFileID string
	// BuildID groups the records written by one processing of a source.
	BuildID      string
	CreatedAt    time.Time
}

type MessageRecord struct {
	ID          string
	UserID      string
	AgentID     string
	ThreadID    string
	UserMessage string
	Response    string
	CreatedAt   time.Time
}

type ErrorRecord struct {
	ID        string
	AgentID   string
	ThreadID  string
	Message   string
	CreatedAt time.Time
}
