package feishu

import "fmt"

// AuthError reports a failed tenant access token exchange.
type AuthError struct {
	StatusCode int
	Code       int
	Body       string
	Err        error
}

func (e *AuthError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("feishu: acquire token: %v", e.Err)
	case e.Code != 0:
		return fmt.Sprintf("feishu: acquire token: code %d: %s", e.Code, e.Body)
	default:
		return fmt.Sprintf("feishu: acquire token: status %d: %s", e.StatusCode, e.Body)
	}
}

func (e *AuthError) Unwrap() error { return e.Err }

// DeliveryError reports a failed outbound message.
type DeliveryError struct {
	ReceiveID  string
	StatusCode int
	Code       int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("feishu: send message to %s: %v", e.ReceiveID, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("feishu: send message to %s: code %d: %s", e.ReceiveID, e.Code, e.Body)
	default:
		return fmt.Sprintf("feishu: send message to %s: status %d: %s", e.ReceiveID, e.StatusCode, e.Body)
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }
