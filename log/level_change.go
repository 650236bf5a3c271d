package log

import "strconv"

// LevelChangeEntry overrides the level of the log call at File:Line.
// File is the last two path elements, as printed in the caller field.
type LevelChangeEntry struct {
	File  string `mapstructure:"file"`
	Line  int    `mapstructure:"line"`
	Level Level  `mapstructure:"level"`
}

type levelChange struct {
	levels map[string]Level
}

func newLevelChange(entries []LevelChangeEntry) *levelChange {
	lc := &levelChange{levels: make(map[string]Level, len(entries))}
	for _, e := range entries {
		lc.levels[levelChangeKey(e.File, e.Line)] = e.Level
	}
	return lc
}

func levelChangeKey(file string, line int) string {
	return file + ":" + strconv.Itoa(line)
}

func (lc *levelChange) Empty() bool {
	return lc == nil || len(lc.levels) == 0
}

// GetLevel returns the override for file:line, or def.
func (lc *levelChange) GetLevel(file string, line int, def Level) Level {
	if lc.Empty() {
		return def
	}
	if lv, ok := lc.levels[levelChangeKey(file, line)]; ok {
		return lv
	}
	return def
}
