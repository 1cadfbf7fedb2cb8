package shim

// PushPointerEvent is linux_gfx_bridge_push_pointer_event: queue a host
// pointer sample for the next X11 event pump to drain.
func (s *Session) PushPointerEvent(x, y int, left, right bool) {
	s.p.FB.PushPointerEvent(x, y, left, right)
}

// PushKeyEvent is linux_gfx_bridge_push_key_event.
func (s *Session) PushKeyEvent(ch rune, down bool) {
	s.p.FB.PushKeyEvent(ch, down)
}

// CopyFrame is linux_gfx_bridge_copy_frame: the presenter's pull side.
func (s *Session) CopyFrame(dst []byte) (width, height int, seq uint64) {
	return s.p.FB.CopyFrame(dst)
}

// Tick drives the framebuffer's own tick-throttled direct-present path,
// forwarding to a caller-supplied Presenter only when SetDirectPresent
// has been enabled.
func (s *Session) Tick(tick uint64, presenter Presenter) error {
	return s.p.FB.Tick(tick, presenter)
}

// SetDirectPresent toggles whether Tick ever calls through to presenter.
func (s *Session) SetDirectPresent(on bool) {
	s.p.FB.SetDirectPresent(on)
}
