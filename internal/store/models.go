package store

import (
	"database/sql"
	"time"
)

// AnalysisStatus values for Repository.AnalysisStatus.
const (
	AnalysisPending    = "pending"
	AnalysisProcessing = "processing"
	AnalysisCompleted  = "completed"
	AnalysisFailed     = "failed"
)

// CollaborationRequest.Status values. PENDING is the initial state;
// COMPLETED is reachable only from ACCEPTED.
const (
	RequestPending   = "PENDING"
	RequestAccepted  = "ACCEPTED"
	RequestDeclined  = "DECLINED"
	RequestWithdrawn = "WITHDRAWN"
	RequestCompleted = "COMPLETED"
)

// ImprovementSuggestion.Status values.
const (
	SuggestionOpen         = "open"
	SuggestionAcknowledged = "acknowledged"
	SuggestionImplemented  = "implemented"
	SuggestionClosed       = "closed"
)

type User struct {
	ID                string
	GithubID          int64
	GithubUsername    string
	DisplayName       string
	AvatarURL         string
	Email             string
	AccessTokenCipher sql.NullString
	CreatedAt         time.Time
}

type Repository struct {
	ID            string
	UserID        string
	Owner         string
	Name          string
	FullName      string
	Description   string
	HTMLURL       string
	CloneURL      string
	DefaultBranch string
	Language      string
	AIProvider    string
	IsPublic      bool

	VotesCount     int
	FollowersCount int
	ViewsCount     int
	StarsCount     int

	IsAcceptingCollaborators bool
	CollabRole               string
	CollabTypes              []string
	CollabDetails            string

	CompletenessScore sql.NullInt32
	AnalysisStatus    string
	AnalyzedAt        sql.NullTime
	CommitCount       sql.NullInt32
	ContributorCount  sql.NullInt32

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Comment struct {
	ID           string
	RepositoryID string
	UserID       string
	ParentID     sql.NullString
	Depth        int
	Content      string
	VotesCount   int
	IsDeleted    bool
	CreatedAt    time.Time
}

type CollaborationRequest struct {
	ID                string
	RequestorID       string
	TargetOwnerID     string
	RepositoryID      string
	CollaborationType string
	Message           string
	Status            string
	ResponseMessage   sql.NullString
	RespondedAt       sql.NullTime
	CreatedAt         time.Time
}

type ImprovementSuggestion struct {
	ID            string
	RepositoryID  string
	SuggestedByID string
	Title         string
	Description   string
	Category      string
	Priority      string
	Status        string
	UpvotesCount  int
	OwnerResponse sql.NullString
	CreatedAt     time.Time
}

type Notification struct {
	ID              string
	RecipientUserID string
	Type            string
	Title           string
	Message         string
	RepositoryID    sql.NullString
	EntityID        sql.NullString
	Read            bool
	CreatedAt       time.Time
}

type Activity struct {
	ID         string
	ActorID    string
	Type       string
	EntityType string
	EntityID   string
	CreatedAt  time.Time
}

// FollowedRepository pairs a followed repository with its latest activity,
// for the /user/follows view.
type FollowedRepository struct {
	Repository     Repository
	FollowedAt     time.Time
	LatestActivity *Activity
}

// WorkbenchStats aggregates counts for an owner's dashboard.
type WorkbenchStats struct {
	Repositories           int
	TotalVotes             int
	TotalFollowers         int
	TotalViews             int
	OpenSuggestions        int
	PendingCollabRequests  int
	UnreadNotifications    int
	AnalyzedRepositories   int
}
