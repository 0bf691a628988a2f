// Package storyvoice implements the client side of the real-time voice
// story pipeline: microphone capture, transcoding to canonical PCM,
// dual-transport streaming to the narration service, gapless playback
// of response audio, and an append-only conversation log.
//
// A Session owns everything. Typical use:
//
//	cfg := storyvoice.NewConfig()
//	backend := storyvoice.NewBackendClient(cfg)
//	session := storyvoice.NewSession(cfg, backend, storyID)
//	defer session.Close()
//
//	if err := session.Start(ctx); err != nil {
//		// backend or transport failure
//	}
//
//	session.StartListening()   // push-to-talk press
//	session.StopListening()    // release: transcode + transmit
//	session.StartNarration()   // ask the server to narrate the story
//
// Outbound audio is always mono PCM16LE at 16 kHz. Inbound audio
// carries its sample rate per message (commonly 24 kHz) and is played
// strictly in enqueue order by the PlaybackScheduler.
//
// Transport strategy: the session prefers a vendor live-streaming
// channel when the backend issues credentials for one, and always
// opens the fallback socket, which remains the control channel. Loss
// of the primary degrades silently; abnormal loss of the fallback
// terminates the session with a close-code-specific message.
package storyvoice
