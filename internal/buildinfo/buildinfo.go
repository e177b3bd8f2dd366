package buildinfo

// Version is set at link time with -ldflags "-X go2tv.app/sonosplay/internal/buildinfo.Version=...".
var Version = "dev"
