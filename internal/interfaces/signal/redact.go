package signal

// RedactPhone hides all but the last 4 digits when privacy mode is on.
func RedactPhone(value string, privacy bool) string {
	if !privacy {
		return value
	}
	if len(value) > 4 {
		return "+***" + value[len(value)-4:]
	}
	return "***"
}

// RedactGroup shows only a group id prefix when privacy mode is on.
func RedactGroup(value string, privacy bool) string {
	if !privacy {
		return value
	}
	if len(value) > 8 {
		return "[GRP:" + value[:8] + "...]"
	}
	return "[GRP:***]"
}

// RedactUUID shows only a UUID prefix when privacy mode is on.
func RedactUUID(value string, privacy bool) string {
	if !privacy {
		return value
	}
	if len(value) > 8 {
		return value[:8] + "..."
	}
	return "***"
}
