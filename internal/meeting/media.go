package meeting

import "context"

// MediaConnector attaches the meeting's media stream to the audio path.
// Implementations deliver audio through Manager.HandleAudio.
type MediaConnector interface {
	Connect(ctx context.Context, sessionID string, req StartRequest) error
	Disconnect(ctx context.Context, sessionID string) error
}

// NopConnector is used when audio arrives on its own, for example over UDP
type NopConnector struct{}

// Connect implements MediaConnector
func (NopConnector) Connect(context.Context, string, StartRequest) error { return nil }

// Disconnect implements MediaConnector
func (NopConnector) Disconnect(context.Context, string) error { return nil }
