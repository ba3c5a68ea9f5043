// Package persist reads and writes preloadd's state file: a line-oriented,
// tab-separated tagged text format, one record kind per tag, with paths
// stored as file:// URIs and cross-references resolved through per-load
// integer indices. This is a direct port of state.c's read_state/
// write_state routines.
package persist

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/anonymouse64/preloadd/internal/model"
)

// FormatVersion is written as the major version token in the PRELOAD
// header line. A state file with a different major version is rejected
// wholesale rather than partially trusted.
const FormatVersion = 2

const (
	tagPreload = "PRELOAD"
	tagMap     = "MAP"
	tagBadExe  = "BADEXE"
	tagExe     = "EXE"
	tagExeMap  = "EXEMAP"
	tagMarkov  = "MARKOV"
)

func pathToURI(path string) string {
	return (&url.URL{Scheme: "file", Path: path}).String()
}

func uriToPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("not a file:// uri: %s", uri)
	}
	return u.Path, nil
}

// Save writes state to statefile via a temp-file-then-rename, but only
// when state is dirty; a clean state is a no-op beyond the bad-exe sweep
// below. Regardless of whether a write happened, bad_exes is emptied
// afterwards, so every blacklisted executable gets re-probed on the next
// scan cycle (state.c's "give them another chance" comment, preserved
// verbatim as a behavior).
func Save(state *model.State, statefile string) error {
	var saveErr error
	if state.Dirty && statefile != "" {
		f, err := createTemp(statefile)
		if err != nil {
			state.BadExes = make(map[string]int)
			return fmt.Errorf("cannot open %s.tmp for writing: %w", statefile, err)
		}

		w := bufio.NewWriter(f)
		if err := writeState(w, state); err != nil {
			saveErr = fmt.Errorf("failed writing state to %s.tmp: %w", statefile, err)
		} else if err := w.Flush(); err != nil {
			saveErr = fmt.Errorf("failed flushing state to %s.tmp: %w", statefile, err)
		}
		f.Close()

		if saveErr != nil {
			discardTemp(statefile)
		} else if err := commit(statefile); err != nil {
			saveErr = fmt.Errorf("failed to rename %s.tmp to %s: %w", statefile, statefile, err)
		} else {
			state.Dirty = false
		}
	}

	// Clean up bad exes once in a while: give every blacklisted exe
	// another chance to be measured on the next scan.
	state.BadExes = make(map[string]int)

	return saveErr
}

func writeState(w *bufio.Writer, state *model.State) error {
	if _, err := fmt.Fprintf(w, "%s\t%d\t%d\n", tagPreload, FormatVersion, state.Time); err != nil {
		return err
	}

	for _, m := range state.MapsArr {
		if _, err := fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t-1\t%s\n",
			tagMap, m.Seq, m.UpdateTime, m.Offset, m.Length, pathToURI(m.Path)); err != nil {
			return err
		}
	}

	for path, updateTime := range state.BadExes {
		if _, err := fmt.Fprintf(w, "%s\t%d\t-1\t%s\n", tagBadExe, updateTime, pathToURI(path)); err != nil {
			return err
		}
	}

	for _, exe := range state.Exes {
		if _, err := fmt.Fprintf(w, "%s\t%d\t%d\t%d\t-1\t%s\n",
			tagExe, exe.Seq, exe.UpdateTime, exe.Time, pathToURI(exe.Path)); err != nil {
			return err
		}
	}

	for _, exe := range state.Exes {
		for em := range exe.Exemaps {
			if _, err := fmt.Fprintf(w, "%s\t%d\t%d\t%g\n", tagExeMap, exe.Seq, em.Map.Seq, em.Prob); err != nil {
				return err
			}
		}
	}

	for _, markov := range state.Markovs() {
		var b strings.Builder
		fmt.Fprintf(&b, "%s\t%d\t%d\t%d", tagMarkov, markov.A.Seq, markov.B.Seq, markov.Time)
		for _, v := range markov.TimeToLeave {
			fmt.Fprintf(&b, "\t%g", v)
		}
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				fmt.Fprintf(&b, "\t%d", markov.Weight[i][j])
			}
		}
		b.WriteByte('\n')
		if _, err := w.WriteString(b.String()); err != nil {
			return err
		}
	}

	return nil
}

// readContext holds the per-load index tables mapping the file's local
// integer references back to freshly built objects, scoped to one Load
// call the same way state.c's read_context_t is scoped to one read_state.
type readContext struct {
	maps map[int]*model.Map
	exes map[int]*model.Exe
}

// ParseError wraps a failure that happened after statefile was
// successfully opened: an invalid header, an unknown tag, a duplicate
// index, or any other content-level problem, including a mid-read I/O
// error. Callers should log it and continue with a fresh, empty state
// rather than treating it as fatal. Only a failure to open the file at
// all (permission denied, say) should abort startup.
type ParseError struct {
	err error
}

func (e *ParseError) Error() string { return e.err.Error() }
func (e *ParseError) Unwrap() error { return e.err }

// Load populates a fresh state from statefile. An empty statefile path, or
// one that doesn't exist, yields an empty, ready-to-run state rather than
// an error; there's simply no history yet.
func Load(statefile string) (*model.State, error) {
	state := model.NewState()

	if statefile == "" {
		return state, nil
	}

	f, err := os.Open(statefile)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return nil, fmt.Errorf("cannot open %s for reading: %w", statefile, err)
	}
	defer f.Close()

	rc := &readContext{maps: make(map[int]*model.Map), exes: make(map[int]*model.Exe)}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		tag := fields[0]
		rest := fields[1:]

		if lineno == 1 && tag != tagPreload {
			return nil, &ParseError{fmt.Errorf("line %d: state file has invalid header", lineno)}
		}

		var lineErr error
		switch tag {
		case tagPreload:
			lineErr = readHeader(state, rest, lineno)
		case tagMap:
			lineErr = readMap(state, rc, rest)
		case tagBadExe:
			// intentionally not restored: see readBadExe.
			lineErr = readBadExe(rest)
		case tagExe:
			lineErr = readExe(state, rc, rest)
		case tagExeMap:
			lineErr = readExeMap(rc, rest)
		case tagMarkov:
			lineErr = readMarkov(state, rc, rest)
		default:
			lineErr = fmt.Errorf("invalid tag %q", tag)
		}
		if lineErr != nil {
			return nil, &ParseError{fmt.Errorf("line %d: %w", lineno, lineErr)}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{fmt.Errorf("reading %s: %w", statefile, err)}
	}

	return state, nil
}

func readHeader(state *model.State, fields []string, lineno int) error {
	if lineno != 1 {
		return fmt.Errorf("unexpected PRELOAD header")
	}
	if len(fields) < 2 {
		return fmt.Errorf("invalid syntax")
	}
	version, err := strconv.Atoi(fields[0])
	if err != nil {
		return fmt.Errorf("invalid syntax: %w", err)
	}
	if version != FormatVersion {
		return fmt.Errorf("state file is of an incompatible version %d, ignoring it", version)
	}
	t, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("invalid syntax: %w", err)
	}
	state.Time = t
	state.LastAccountingTimestamp = t
	return nil
}

func readMap(state *model.State, rc *readContext, f []string) error {
	if len(f) < 5 {
		return fmt.Errorf("invalid syntax")
	}
	i, err1 := strconv.Atoi(f[0])
	updateTime, err2 := strconv.Atoi(f[1])
	offset, err3 := strconv.ParseInt(f[2], 10, 64)
	length, err4 := strconv.ParseInt(f[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return fmt.Errorf("invalid syntax")
	}
	path, err := uriToPath(f[len(f)-1])
	if err != nil {
		return err
	}

	if _, ok := rc.maps[i]; ok {
		return fmt.Errorf("duplicate index")
	}
	m := model.NewMap(path, offset, length, updateTime)
	if existing := state.LookupMap(m); existing != nil {
		return fmt.Errorf("duplicate object")
	}
	m.UpdateTime = updateTime
	state.RefMap(m)
	rc.maps[i] = m
	return nil
}

// readBadExe parses the line for forward-compatibility (a syntax error in
// it still aborts the load) but deliberately discards the value: bad exes
// are not restored across a restart, the same as state.c's read_badexe,
// which short-circuits before doing anything with the parsed fields.
func readBadExe(f []string) error {
	if len(f) < 3 {
		return fmt.Errorf("invalid syntax")
	}
	if _, err := strconv.Atoi(f[0]); err != nil {
		return fmt.Errorf("invalid syntax")
	}
	if _, err := uriToPath(f[len(f)-1]); err != nil {
		return err
	}
	return nil
}

func readExe(state *model.State, rc *readContext, f []string) error {
	if len(f) < 4 {
		return fmt.Errorf("invalid syntax")
	}
	i, err1 := strconv.Atoi(f[0])
	updateTime, err2 := strconv.Atoi(f[1])
	t, err3 := strconv.Atoi(f[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return fmt.Errorf("invalid syntax")
	}
	path, err := uriToPath(f[len(f)-1])
	if err != nil {
		return err
	}

	if _, ok := rc.exes[i]; ok {
		return fmt.Errorf("duplicate index")
	}
	if _, ok := state.Exes[path]; ok {
		return fmt.Errorf("duplicate object")
	}

	exe := state.NewExe(path, false, nil)
	exe.ChangeTimestamp = -1
	exe.UpdateTime = updateTime
	exe.Time = t
	rc.exes[i] = exe
	state.RegisterExe(exe, false)
	return nil
}

func readExeMap(rc *readContext, f []string) error {
	if len(f) < 3 {
		return fmt.Errorf("invalid syntax")
	}
	iexe, err1 := strconv.Atoi(f[0])
	imap, err2 := strconv.Atoi(f[1])
	prob, err3 := strconv.ParseFloat(f[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return fmt.Errorf("invalid syntax")
	}

	exe, ok := rc.exes[iexe]
	m, ok2 := rc.maps[imap]
	if !ok || !ok2 {
		return fmt.Errorf("invalid index")
	}

	em := &model.ExeMap{Map: m, Prob: prob}
	exe.AddExeMap(em)
	return nil
}

func readMarkov(state *model.State, rc *readContext, f []string) error {
	if len(f) < 23 { // a, b, time, 4 time_to_leave, 16 weights
		return fmt.Errorf("invalid syntax")
	}
	ia, err1 := strconv.Atoi(f[0])
	ib, err2 := strconv.Atoi(f[1])
	t, err3 := strconv.Atoi(f[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return fmt.Errorf("invalid syntax")
	}

	a, ok := rc.exes[ia]
	b, ok2 := rc.exes[ib]
	if !ok || !ok2 {
		return fmt.Errorf("invalid index")
	}

	markov := state.NewMarkovBetween(a, b, false)
	markov.Time = t

	idx := 3
	for s := 0; s < 4; s++ {
		v, err := strconv.ParseFloat(f[idx], 64)
		if err != nil {
			return fmt.Errorf("invalid syntax")
		}
		markov.TimeToLeave[s] = v
		idx++
	}
	for s := 0; s < 4; s++ {
		for sNew := 0; sNew < 4; sNew++ {
			v, err := strconv.Atoi(f[idx])
			if err != nil {
				return fmt.Errorf("invalid syntax")
			}
			markov.Weight[s][sNew] = v
			idx++
		}
	}

	// markov.State is left at its zero value here; the caller must call
	// SyncMarkovStates once the initial process scan has populated each
	// exe's RunningTimestamp, the same two-phase restore state.c performs
	// (read_state, then proc_foreach, then a markov state fixup pass).
	return nil
}

// SyncMarkovStates recomputes every markov's State field from its two
// exes' current running status. Call this once after Load and an initial
// process scan have both run, so a state file restored at startup doesn't
// misreport which pair-state it's in.
func SyncMarkovStates(state *model.State) {
	for _, m := range state.Markovs() {
		s := 0
		if state.ExeIsRunning(m.A) {
			s |= 1
		}
		if state.ExeIsRunning(m.B) {
			s |= 2
		}
		m.State = s
	}
}
