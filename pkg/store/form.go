package store

// FormLength is the fixed length of a form string.
const FormLength = 5

// FormFromMatches maps a team's finished matches onto a form string of
// exactly lastN characters from {W,D,L,-}. matches must be ordered by date
// descending (most recent first); the result keeps that order, padded with
// '-' on the right when fewer than lastN finished matches exist.
//
// Matches without both scores, or not involving teamID, contribute nothing.
func FormFromMatches(teamID string, matches []Match, lastN int) string {
	if lastN <= 0 {
		lastN = FormLength
	}

	out := make([]byte, 0, lastN)
	for _, m := range matches {
		if len(out) == lastN {
			break
		}
		if m.HomeScore == nil || m.AwayScore == nil {
			continue
		}

		var forScore, agnScore int
		switch teamID {
		case m.HomeTeamID:
			forScore, agnScore = *m.HomeScore, *m.AwayScore
		case m.AwayTeamID:
			forScore, agnScore = *m.AwayScore, *m.HomeScore
		default:
			continue
		}

		switch {
		case forScore > agnScore:
			out = append(out, 'W')
		case forScore == agnScore:
			out = append(out, 'D')
		default:
			out = append(out, 'L')
		}
	}

	for len(out) < lastN {
		out = append(out, '-')
	}
	return string(out)
}
