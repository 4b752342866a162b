// Package whisper recognises chunks in-process with the whisper.cpp CGO
// bindings. Build with -tags whisper; libwhisper.a and whisper.h must be
// available at link time.
package whisper
