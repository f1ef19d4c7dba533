package device_antswitch

// Version 由 Makefile 通过 -ldflags 注入
var Version string = "to be replaced by Makefile"
