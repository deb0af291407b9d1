// Package patch brings a game directory in line with a published manifest.
//
// An Engine diffs the manifest against the local files, downloads the
// changed ones into a staging directory one at a time and renames them into
// place, reporting progress to a Sink. Programs embedding the engine pick
// the Sink that suits them: Funcs for callbacks, ChanSink for a UI loop
// reading channels, or MultiSink to combine several, for example a ChanSink
// with a LogSink.
package patch
