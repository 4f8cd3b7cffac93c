package model

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type RootResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	DeviceID     string `json:"deviceId"`
}

type DeviceRef struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

type KickOutAllRequest struct {
	UserID string `json:"userId"`
}

type ValidateResponse struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"userId,omitempty"`
}

type UserInfoResponse struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles,omitempty"`
}

type DeviceListResponse struct {
	Devices []DeviceSession `json:"devices"`
}
