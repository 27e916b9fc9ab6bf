package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// RunFlags override the [supervisor], [server], [metrics] and [history]
// sections for the run command.
type RunFlags struct {
	Name           string
	Host           string
	Port           int
	ProbePath      string
	ProbeTimeout   time.Duration
	Interval       time.Duration
	InitialTimeout time.Duration
	ChildLog       string
	KeepPort       bool
	StatusListen   string
	MetricsListen  string
	HistoryDSNs    []string
}

type QualifyFlags struct {
	Host      string
	Port      int
	ProbePath string
	Timeout   time.Duration
	ChildLog  string
}

type CheckFlags struct {
	Host    string
	Port    int
	Path    string
	Timeout time.Duration
}
