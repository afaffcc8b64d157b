// Package acquisition implements live frame acquisition from a single camera.
//
// A Session owns a bounded pool of driver buffers and delivers frames to a
// FrameHandler on its own acquisition thread. The Handler in this package
// converts each frame into a display image, optionally persists it, shows it
// and hands the buffer back. A Runner on the control goroutine waits for the
// ShutdownSignal and then stops the stream.
//
// # Quick Start
//
//	format, mode := acquisition.Negotiate(session.PixelFormats(), consumerFormats)
//	if mode == acquisition.ModeUnsupported {
//	    return acquisition.ErrNoCompatibleFormat
//	}
//	_ = session.SetPixelFormat(format)
//	_ = session.Configure(acquisition.Features{Width: 1280, Height: 720})
//
//	handler, err := acquisition.NewHandler(
//	    acquisition.HandlerConfig{TargetWidth: 680, TargetHeight: 384, Persist: true},
//	    acquisition.HandlerDeps{
//	        Transformer: transform.Area{},
//	        Display:     window,
//	        Keys:        window,
//	        Persister:   writer,
//	        Signal:      acquisition.NewShutdownSignal(),
//	    },
//	)
//	if err != nil {
//	    return err
//	}
//
//	err = acquisition.Run(ctx, session, handler, 24)
//
// # Buffer Contract
//
// The pool holds bufferCount buffers. Every delivered frame is returned
// through Camera.QueueFrame exactly once, whether it was displayed, skipped
// as incomplete, skipped after shutdown or failed in transform or display.
// Handle returns the buffer from a deferred call, so a panic in the
// pipeline still releases it. A second QueueFrame on the same frame fails
// with ErrFrameAlreadyQueued.
//
// A failure to return a buffer is the only error Handle reports. It is
// wrapped in ErrBufferReturn and the session stops.
//
// # Shutdown
//
// The stop key (Enter) is polled inside the callback. It sets the
// ShutdownSignal; the callback never calls StopStreaming itself. Run
// observes the signal (or ctx cancellation from OS signals and remote
// commands), calls StopStreaming and waits until StartStreaming returns.
// Frames delivered after the signal are returned unprocessed.
//
// # Pixel Formats
//
// Negotiate intersects the camera's formats with the consumer's, keeping
// camera order. The first color format wins, then the first mono format.
// When neither exists startup aborts with ErrNoCompatibleFormat.
package acquisition
