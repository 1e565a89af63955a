package models

type LogLevelsData struct {
	Levels  map[string]string `json:"levels" doc:"Effective level per module"`
	Modules []string          `json:"modules" doc:"Known modules"`
}

type LogLevelsResponse struct {
	Body LogLevelsData
}

type SetLogLevelRequest struct {
	Module string `path:"module" minLength:"1" example:"bot-output" doc:"Logger module"`
	Body   struct {
		Level string `json:"level" enum:"debug,info,warn,error" example:"debug" doc:"New level"`
	}
}

type LogEntriesRequest struct {
	Module string `query:"module" example:"bot-output" doc:"Only entries from this module"`
	Level  string `query:"level" example:"warn" doc:"Minimum level"`
	Limit  int    `query:"limit" minimum:"0" maximum:"1000" default:"200" doc:"Most recent entries to return"`
}

type LogEntry struct {
	Timestamp  string         `json:"timestamp" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"bot-output" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured attributes"`
}

type LogEntriesResponse struct {
	Body struct {
		Entries []LogEntry `json:"entries" doc:"Entries in chronological order"`
		Count   int        `json:"count" doc:"Number of entries"`
	}
}
