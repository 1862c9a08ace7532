package siteapi

// Coordinates is a [latitude, longitude] pair.
type Coordinates [2]float64

// Point is a polygon vertex of a construction object outline.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Contact identifies the responsible person on either side of a project.
type Contact struct {
	Username string `json:"username"`
	Position string `json:"position"`
	Email    string `json:"email"`
}

// Project is a construction object.
type Project struct {
	ID                     int      `json:"id,omitempty"`
	Name                   string   `json:"name"`
	Description            string   `json:"description"`
	ResponsibleContractor  *Contact `json:"responsibleContractor,omitempty"`
	ResponsibleSupervision *Contact `json:"responsibleSupervision,omitempty"`
	Coordinates            []Point  `json:"coordinates"`
	Status                 string   `json:"status,omitempty"` // active, completed, planned
	Posts                  []Post   `json:"posts,omitempty"`
}

// Polygon returns the object outline as [lat, lng] pairs.
func (p Project) Polygon() []Coordinates {
	poly := make([]Coordinates, len(p.Coordinates))
	for i, pt := range p.Coordinates {
		poly[i] = Coordinates{pt.X, pt.Y}
	}
	return poly
}

type User struct {
	ID       int    `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email"`
	Position string `json:"position,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Attachment references a local file uploaded alongside a post.
type Attachment struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// PostInput is the body of a create-post request. Author and Object are ids.
type PostInput struct {
	Title       string       `json:"title"`
	Content     string       `json:"content"`
	Author      int          `json:"author"`
	Object      int          `json:"object"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	Files       []Attachment `json:"files,omitempty"`
}

type Post struct {
	ID        int      `json:"id"`
	Title     string   `json:"title"`
	CreatedAt string   `json:"created_at"`
	Content   string   `json:"content"`
	Files     []string `json:"files"`
	Object    Project  `json:"object"`
	Author    User     `json:"author"`
}

type TaskInput struct {
	ProjectID   int          `json:"projectId"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	AssignedTo  int          `json:"assignedTo"`
	Status      string       `json:"status"` // pending, in_progress, completed, rejected
	Deadline    string       `json:"deadline,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

type Task struct {
	ID int `json:"id"`
	TaskInput
	CreatedAt string `json:"createdAt"`
}

type IssueInput struct {
	ProjectID   int          `json:"projectId"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	CreatedBy   int          `json:"createdBy"`
	Status      string       `json:"status"`   // open, in_progress, resolved
	Severity    string       `json:"severity"` // low, medium, high, critical
	Deadline    string       `json:"deadline,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

type Issue struct {
	ID int `json:"id"`
	IssueInput
	CreatedAt string `json:"createdAt"`
}

type MaterialInput struct {
	Name               string  `json:"name"`
	Quantity           float64 `json:"quantity"`
	Unit               string  `json:"unit"`
	ProjectID          int     `json:"projectId"`
	QualityDocumentURL string  `json:"qualityDocumentUrl,omitempty"`
	TTNDocumentURL     string  `json:"ttnDocumentUrl,omitempty"`
}

type Material struct {
	ID int `json:"id"`
	MaterialInput
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// LoginResult carries the credentials returned by a successful login.
type LoginResult struct {
	Token        string
	RefreshToken string
}
