package handlers

type LoadModelRequest struct {
	Topology string `json:"topology"`
	Weights  string `json:"weights"`
}

type LogRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type SetImagesRequest struct {
	Paths []string `json:"paths"`
}

type SetImagesResponse struct {
	Count int `json:"count"`
}

type PredictResponse struct {
	Scores       []float32 `json:"scores"`
	OutputNum    int       `json:"output_num"`
	OutputHeight int       `json:"output_height"`
	LatencyMs    float64   `json:"latency_ms"`
}

type TopKRequest struct {
	Path string `json:"path"`
	K    int    `json:"k"`
}

type Prediction struct {
	Index int     `json:"index"`
	Class string  `json:"class"`
	Score float32 `json:"score"`
}

type TopKResponse struct {
	Indices     []int        `json:"indices"`
	Predictions []Prediction `json:"predictions"`
	LatencyMs   float64      `json:"latency_ms"`
}

type StatsResponse struct {
	OutputHeight int     `json:"output_height"`
	OutputNum    int     `json:"output_num"`
	LatencyMs    float64 `json:"latency_ms"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
