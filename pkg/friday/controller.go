package friday

import (
	"context"

	"github.com/teslashibe/friday/pkg/media"
	"github.com/teslashibe/friday/pkg/session"
	"github.com/teslashibe/friday/pkg/tools"
	"github.com/teslashibe/friday/pkg/web"
)

var _ web.Controller = (*App)(nil)

// Status reports the assistant for the dashboard.
func (a *App) Status() web.Status {
	st := web.Status{
		State:         a.session.State().String(),
		Error:         a.session.LastError(),
		Notice:        a.session.Notice(),
		SessionID:     a.session.SessionID(),
		Model:         a.cfg.Live.Model,
		Muted:         a.capture.Muted(),
		Camera:        a.streamer.Active(),
		Speaking:      a.userSpeaking.Load(),
		ModelSpeaking: a.modelSpeaking.Load(),
	}
	if a.gmail != nil {
		st.GmailConfigured = true
		st.GmailConnected = a.gmail.IsAuthenticated()
	}
	return st
}

// Connect opens a session.
func (a *App) Connect(ctx context.Context) error {
	return a.session.Connect(ctx)
}

// Disconnect closes the session.
func (a *App) Disconnect() {
	a.session.Disconnect()
}

// Reset clears an error so the user can connect again.
func (a *App) Reset() {
	a.session.Reset()
}

// SetMuted toggles the software mute. Muting never releases the device.
func (a *App) SetMuted(muted bool) {
	a.capture.SetMuted(muted)
	a.logger.Info("microphone muted", "muted", muted)
	a.publishStatus()
}

// SetCamera turns the camera stream on or off. Video only flows during a
// session, and teardown turns it off again.
func (a *App) SetCamera(_ context.Context, on bool) error {
	if !on {
		return a.streamer.Stop()
	}
	if a.session.State() != session.Connected {
		return ErrNotConnected
	}
	return a.streamer.Start(a.context())
}

// Upload forwards a user file and its hint to the session.
func (a *App) Upload(name, mimeType string, data []byte) error {
	if a.session.State() != session.Connected {
		return ErrNotConnected
	}
	inputs, err := media.Upload(name, mimeType, data)
	if err != nil {
		return err
	}
	for _, in := range inputs {
		a.session.SendRealtime(in)
	}
	a.logger.Info("file uploaded", "name", name, "mime_type", inputs[0].Media.MIMEType, "bytes", len(data))
	return nil
}

// ToolLogs returns the tool call record.
func (a *App) ToolLogs() []tools.Entry {
	return a.toolLog.Entries()
}

// Levels returns the current input and output waveforms.
func (a *App) Levels() web.Levels {
	return web.Levels{
		Input:       a.inAnalyser.Snapshot(),
		Output:      a.outAnalyser.Snapshot(),
		InputLevel:  a.inAnalyser.Level(),
		OutputLevel: a.outAnalyser.Level(),
	}
}
