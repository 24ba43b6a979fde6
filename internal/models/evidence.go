package models

import "time"

// Source tags where a piece of evidence or an indicator came from.
type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
)

// SubjectKind selects the rule list evaluated against an Evidence record.
type SubjectKind string

const (
	SubjectUser     SubjectKind = "user"
	SubjectAvatar   SubjectKind = "avatar"
	SubjectActivity SubjectKind = "activity"
)

// Evidence is a normalised, source-tagged snapshot consumed by the rule engine.
//
// Fields returns named text values. List-valued fields (tags, per-visit columns) keep one entry
// per record and aligned fields share indexes, so rules can count matching records.
// Metrics returns named integer facts for threshold rules.
type Evidence interface {
	Source() Source
	Subject() SubjectKind
	Fields() map[string][]string
	Metrics() map[string]int
}

// UserEvidence is the remote profile of a user.
type UserEvidence struct {
	DisplayName       string
	Bio               string
	Status            string
	StatusDescription string
	SystemTags        []string
	LastLogin         time.Time
	DateJoined        time.Time
}

func (UserEvidence) Source() Source          { return SourceRemote }
func (UserEvidence) Subject() SubjectKind    { return SubjectUser }
func (UserEvidence) Metrics() map[string]int { return nil }

func (e UserEvidence) Fields() map[string][]string {
	return map[string][]string{
		"displayName":       {e.DisplayName},
		"bio":               {e.Bio},
		"status":            {e.Status},
		"statusDescription": {e.StatusDescription},
		"systemTags":        append([]string(nil), e.SystemTags...),
	}
}

// AvatarEvidence is the remote metadata of an avatar.
type AvatarEvidence struct {
	Name          string
	Description   string
	AuthorID      string
	AuthorName    string
	Tags          []string
	Version       int
	ReleaseStatus string
}

func (AvatarEvidence) Source() Source       { return SourceRemote }
func (AvatarEvidence) Subject() SubjectKind { return SubjectAvatar }

func (e AvatarEvidence) Fields() map[string][]string {
	return map[string][]string{
		"name":          {e.Name},
		"description":   {e.Description},
		"authorName":    {e.AuthorName},
		"tags":          append([]string(nil), e.Tags...),
		"releaseStatus": {e.ReleaseStatus},
	}
}

func (e AvatarEvidence) Metrics() map[string]int {
	return map[string]int{"version": e.Version}
}

// LocationVisit is one row of the local location history joined with its metadata.
type LocationVisit struct {
	LocationID  string
	Name        string
	Description string
	VisitedAt   time.Time
}

// ProfileSnapshot is the most recent profile copy cached by the local client.
type ProfileSnapshot struct {
	DisplayName       string
	Bio               string
	Status            string
	StatusDescription string
	Tags              []string
	CapturedAt        time.Time
}

// LocalActivityEvidence is the local history of a user.
type LocalActivityEvidence struct {
	RecentLocationVisits []LocationVisit
	SnapshotProfile      *ProfileSnapshot
	// RecentVisitCount counts every visit inside the churn window, independent of the row cap.
	RecentVisitCount int
}

func (LocalActivityEvidence) Source() Source       { return SourceLocal }
func (LocalActivityEvidence) Subject() SubjectKind { return SubjectActivity }

func (e LocalActivityEvidence) Fields() map[string][]string {
	names := make([]string, 0, len(e.RecentLocationVisits))
	descriptions := make([]string, 0, len(e.RecentLocationVisits))
	for _, visit := range e.RecentLocationVisits {
		names = append(names, visit.Name)
		descriptions = append(descriptions, visit.Description)
	}
	fields := map[string][]string{
		"locationName":        names,
		"locationDescription": descriptions,
	}
	if s := e.SnapshotProfile; s != nil {
		fields["snapshotDisplayName"] = []string{s.DisplayName}
		fields["snapshotBio"] = []string{s.Bio}
		fields["snapshotStatusDescription"] = []string{s.StatusDescription}
	}
	return fields
}

func (e LocalActivityEvidence) Metrics() map[string]int {
	return map[string]int{
		"recentVisitCount": e.RecentVisitCount,
		"visitRows":        len(e.RecentLocationVisits),
	}
}

// Empty reports whether the store held nothing for the subject.
func (e LocalActivityEvidence) Empty() bool {
	return len(e.RecentLocationVisits) == 0 && e.SnapshotProfile == nil && e.RecentVisitCount == 0
}
