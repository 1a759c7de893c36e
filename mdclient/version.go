package main

// version is the version of the app. It may be overridden at link time with
// -ldflags "-X main.version=...".
var version = "0.1.0-pre"
