package topology

import "strings"

// Match reports whether an AMQP topic routing key matches a binding pattern.
// Words are dot separated; "*" matches exactly one word and "#" matches zero
// or more words.
func Match(pattern, key string) bool {
	if pattern == key {
		return true
	}
	if !strings.ContainsAny(pattern, "*#") {
		return false
	}
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
