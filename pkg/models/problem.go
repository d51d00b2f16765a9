package models

// APIProblem describes an RFC 7807 Problem Details body in API docs.
type APIProblem struct {
	Type     string `json:"type" example:"https://labdash.dev/problems/forbidden"`
	Title    string `json:"title" example:"Forbidden"`
	Status   int    `json:"status" example:"403"`
	Detail   string `json:"detail,omitempty" example:"service \"Sonarr\" was discovered and cannot be edited"`
	Instance string `json:"instance,omitempty" example:"/api/v1/catalog/services/Sonarr"`
}
