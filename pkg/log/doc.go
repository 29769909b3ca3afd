/*
Package log provides structured logging via zerolog, shared by every
long-lived component of the enrollment authority.

Init configures the global Logger once at process start; WithComponent,
WithAgentID, WithRemoteAddr and WithRound derive child loggers that attach
the relevant field without re-specifying the rest of the configuration.
*/
package log
