// Package capture turns a stream of key events into per-application typing sessions.
package capture

// Key identifies a physical key independent of the platform it came from.
type Key string

// Keys the aggregator knows about. Sources map their native codes onto these;
// anything else can be passed through as an arbitrary Key and is ignored.
const (
	KeyA Key = "KeyA"
	KeyB Key = "KeyB"
	KeyC Key = "KeyC"
	KeyD Key = "KeyD"
	KeyE Key = "KeyE"
	KeyF Key = "KeyF"
	KeyG Key = "KeyG"
	KeyH Key = "KeyH"
	KeyI Key = "KeyI"
	KeyJ Key = "KeyJ"
	KeyK Key = "KeyK"
	KeyL Key = "KeyL"
	KeyM Key = "KeyM"
	KeyN Key = "KeyN"
	KeyO Key = "KeyO"
	KeyP Key = "KeyP"
	KeyQ Key = "KeyQ"
	KeyR Key = "KeyR"
	KeyS Key = "KeyS"
	KeyT Key = "KeyT"
	KeyU Key = "KeyU"
	KeyV Key = "KeyV"
	KeyW Key = "KeyW"
	KeyX Key = "KeyX"
	KeyY Key = "KeyY"
	KeyZ Key = "KeyZ"

	KeyNum0 Key = "Num0"
	KeyNum1 Key = "Num1"
	KeyNum2 Key = "Num2"
	KeyNum3 Key = "Num3"
	KeyNum4 Key = "Num4"
	KeyNum5 Key = "Num5"
	KeyNum6 Key = "Num6"
	KeyNum7 Key = "Num7"
	KeyNum8 Key = "Num8"
	KeyNum9 Key = "Num9"

	KeySpace        Key = "Space"
	KeyMinus        Key = "Minus"
	KeyEqual        Key = "Equal"
	KeyLeftBracket  Key = "LeftBracket"
	KeyRightBracket Key = "RightBracket"
	KeyBackSlash    Key = "BackSlash"
	KeySemiColon    Key = "SemiColon"
	KeyQuote        Key = "Quote"
	KeyComma        Key = "Comma"
	KeyDot          Key = "Dot"
	KeySlash        Key = "Slash"
	KeyBackQuote    Key = "BackQuote"

	KeyReturn     Key = "Return"
	KeyTab        Key = "Tab"
	KeyBackspace  Key = "Backspace"
	KeyDelete     Key = "Delete"
	KeyEscape     Key = "Escape"
	KeyUpArrow    Key = "UpArrow"
	KeyDownArrow  Key = "DownArrow"
	KeyLeftArrow  Key = "LeftArrow"
	KeyRightArrow Key = "RightArrow"

	KeyShiftLeft    Key = "ShiftLeft"
	KeyShiftRight   Key = "ShiftRight"
	KeyControlLeft  Key = "ControlLeft"
	KeyControlRight Key = "ControlRight"
	KeyAlt          Key = "Alt"
	KeyAltGr        Key = "AltGr"
	KeyMetaLeft     Key = "MetaLeft"
	KeyCapsLock     Key = "CapsLock"
	KeyHome         Key = "Home"
	KeyEnd          Key = "End"
	KeyPageUp       Key = "PageUp"
	KeyPageDown     Key = "PageDown"
	KeyInsert       Key = "Insert"
)

// EventType distinguishes key presses from releases.
type EventType string

const (
	Press   EventType = "press"
	Release EventType = "release"
)

// KeyEvent is one press or release reported by a KeySource.
type KeyEvent struct {
	Type EventType `json:"type"`
	Key  Key       `json:"key"`
}

// IsShift reports whether k toggles the shifted character set.
func (k Key) IsShift() bool {
	return k == KeyShiftLeft || k == KeyShiftRight
}

// printable maps a key to its {plain, shifted} characters on a US layout.
var printable = map[Key][2]rune{
	KeyA: {'a', 'A'}, KeyB: {'b', 'B'}, KeyC: {'c', 'C'}, KeyD: {'d', 'D'},
	KeyE: {'e', 'E'}, KeyF: {'f', 'F'}, KeyG: {'g', 'G'}, KeyH: {'h', 'H'},
	KeyI: {'i', 'I'}, KeyJ: {'j', 'J'}, KeyK: {'k', 'K'}, KeyL: {'l', 'L'},
	KeyM: {'m', 'M'}, KeyN: {'n', 'N'}, KeyO: {'o', 'O'}, KeyP: {'p', 'P'},
	KeyQ: {'q', 'Q'}, KeyR: {'r', 'R'}, KeyS: {'s', 'S'}, KeyT: {'t', 'T'},
	KeyU: {'u', 'U'}, KeyV: {'v', 'V'}, KeyW: {'w', 'W'}, KeyX: {'x', 'X'},
	KeyY: {'y', 'Y'}, KeyZ: {'z', 'Z'},

	KeyNum1: {'1', '!'}, KeyNum2: {'2', '@'}, KeyNum3: {'3', '#'},
	KeyNum4: {'4', '$'}, KeyNum5: {'5', '%'}, KeyNum6: {'6', '^'},
	KeyNum7: {'7', '&'}, KeyNum8: {'8', '*'}, KeyNum9: {'9', '('},
	KeyNum0: {'0', ')'},

	KeySpace:        {' ', ' '},
	KeyMinus:        {'-', '_'},
	KeyEqual:        {'=', '+'},
	KeyLeftBracket:  {'[', '{'},
	KeyRightBracket: {']', '}'},
	KeyBackSlash:    {'\\', '|'},
	KeySemiColon:    {';', ':'},
	KeyQuote:        {'\'', '"'},
	KeyComma:        {',', '<'},
	KeyDot:          {'.', '>'},
	KeySlash:        {'/', '?'},
	KeyBackQuote:    {'`', '~'},
}

// controlTokens maps editing keys to the bracketed token recorded in content.
var controlTokens = map[Key]string{
	KeyReturn:     "[Enter]",
	KeyTab:        "[Tab]",
	KeyBackspace:  "[Backspace]",
	KeyDelete:     "[Delete]",
	KeyEscape:     "[Esc]",
	KeyUpArrow:    "[Up]",
	KeyDownArrow:  "[Down]",
	KeyLeftArrow:  "[Left]",
	KeyRightArrow: "[Right]",
}

// Contribution returns the text a press of k adds to a session.
// ok is false for keys that contribute nothing.
func Contribution(k Key, shift bool) (text string, ok bool) {
	if pair, found := printable[k]; found {
		if shift {
			return string(pair[1]), true
		}
		return string(pair[0]), true
	}
	if tok, found := controlTokens[k]; found {
		return tok, true
	}
	return "", false
}

type keyStroke struct {
	key   Key
	shift bool
}

var runeKeys = func() map[rune]keyStroke {
	m := make(map[rune]keyStroke, len(printable)*2)
	for k, pair := range printable {
		m[pair[0]] = keyStroke{k, false}
		if pair[1] != pair[0] {
			m[pair[1]] = keyStroke{k, true}
		}
	}
	return m
}()

// KeyForRune is the inverse of the printable table: the key and shift state
// that produce r. ok is false for characters no single key types.
func KeyForRune(r rune) (k Key, shift bool, ok bool) {
	ks, ok := runeKeys[r]
	return ks.key, ks.shift, ok
}
