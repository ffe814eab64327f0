package session

import (
	"fmt"
	"time"
)

const (
	slashCommandRecord = "record"
	slashCommandStop   = "stop"

	slashCommandRecordDescription = "Start recording the voice channel you are in."
	slashCommandStopDescription   = "Stop the recording in this server."

	messageEphemeralJoinVCFirst    = ":warning: **Join a voice channel first, then run the command.**"
	messageEphemeralAlreadyRunning = ":warning: **A recording is already running in this server.**"
	messageEphemeralSessionLimit   = ":warning: **Too many recordings are running right now. Try again later.**"
	messageEphemeralStartFailed    = ":warning: **Failed to start the recording.**"
	messageEphemeralNotRunning     = ":warning: **No recording is running in this server.**"
	messageEphemeralUnknownCommand = ":warning: **Unknown command.**"
	messageEphemeralStopped        = ":stop_button: **Recording stopped.**"

	messageRecordingStarted = ":red_circle: **Recording started.** This conversation is being transcribed.\n-# Use /stop to end the recording."
	messageNoSpeech         = ":mute: **No speech detected.** Nothing was transcribed in this session."
	messageSummaryFailed    = ":warning: **Summary generation failed.** Attaching the raw transcript instead."
	messageOverflowContinue = "*(continued)*"
)

const (
	stopReasonManualStop       = "stopped by command"
	stopReasonParticipantsLeft = "participants left the voice channel"
	stopReasonMaxDuration      = "maximum recording length reached"
	stopReasonConnectionLost   = "voice connection lost"
	stopReasonBotRemoved       = "bot was removed from the voice channel"
	stopReasonServerClosed     = "server shutting down"
)

func stopNotice(reason string) string {
	return fmt.Sprintf(":stop_button: **Recording stopped.** (%s)", reason)
}

func fallbackTitle(now time.Time) string {
	return fmt.Sprintf("Meeting Transcript (%s)", now.Format("2006-01-02"))
}

func transcriptFilename(startedAt time.Time) string {
	return fmt.Sprintf("transcript-%s.md", startedAt.Format("20060102-150405"))
}
