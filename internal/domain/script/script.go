// Package script — песочница для lua-критериев правил.
//
// Операторский сниппет оборачивается в `function(user) return <src> end` и
// вызывается с представлением пользователя. Состояние интерпретатора
// принадлежит диспетчеру и никогда не используется из других горутин.
//
// Песочница: стандартные библиотеки io/os/debug не загружаются вовсе,
// наружу торчат только хелперы regex и isInIpRange плюс методы пользователя.
package script

import (
	"encoding/binary"
	"fmt"
	"net"
	"regexp"

	lua "github.com/yuin/gopher-lua"

	"modwatch/internal/domain/signup"
)

// Заглушки для отсутствующих полей пользователя. Скрипты сравнивают строки,
// поэтому «нет значения» должно быть представимо строкой.
const (
	NoUA      = "<NO UA>"
	NoPrint   = "<NO PRINT>"
	NoCountry = "<NO COUNTRY>"
	NoCity    = "<NO CITY>"
	NoDevice  = "<NO DEVICE>"
	NoOS      = "<NO OS>"
	NoClient  = "<NO CLIENT>"
)

// Engine — один lua-интерпретатор с подготовленными глобалами.
type Engine struct {
	state *lua.LState
}

// New создаёт песочницу. Из стандартных библиотек открываются только string,
// table и math: base не загружается, потому что тянет dofile/loadfile.
func New() *Engine {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.StringLibName, lua.OpenString},
		{lua.TabLibName, lua.OpenTable},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	L.SetGlobal("regex", L.NewFunction(luaRegex))
	L.SetGlobal("isInIpRange", L.NewFunction(luaIsInIPRange))

	return &Engine{state: L}
}

// Close освобождает интерпретатор.
func (e *Engine) Close() {
	if e != nil && e.state != nil {
		e.state.Close()
	}
}

// Eval компилирует сниппет и вызывает его с представлением пользователя.
// Любая ошибка компиляции или исполнения возвращается вызывающему; состояние
// интерпретатора при этом остаётся пригодным для следующих вызовов.
func (e *Engine) Eval(src string, u *signup.User) (bool, error) {
	L := e.state

	code := "return function(user) return " + src + " end"
	if err := L.DoString(code); err != nil {
		return false, fmt.Errorf("lua compile: %w", err)
	}
	fn := L.Get(-1)
	L.Pop(1)

	L.Push(fn)
	L.Push(userView(L, u))
	if err := L.PCall(1, 1, nil); err != nil {
		return false, fmt.Errorf("lua call: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	return lua.LVAsBool(ret), nil
}

// userView собирает таблицу с методами пользователя. Методы пишутся как
// замыкания над снапшотом значений: скрипт может звать их и через `:`,
// и через `.` — аргументы игнорируются.
func userView(L *lua.LState, u *signup.User) *lua.LTable {
	tbl := L.NewTable()

	method := func(name, value string) {
		L.SetField(tbl, name, L.NewFunction(func(L *lua.LState) int {
			L.Push(lua.LString(value))
			return 1
		}))
	}

	method("name", u.Username)
	method("email", u.Email)
	method("ip", u.IP)
	method("ua", orPlaceholder(u.UserAgent, NoUA))
	method("fp", orPlaceholder(u.FingerPrint, NoPrint))

	country, city := NoCountry, NoCity
	var subdivisions []string
	if u.GeoIP != nil {
		country = orPlaceholder(u.GeoIP.Country, NoCountry)
		city = orPlaceholder(u.GeoIP.City, NoCity)
		subdivisions = u.GeoIP.Subdivisions
	}
	method("country", country)
	method("city", city)

	device, osName, client := NoDevice, NoOS, NoClient
	if u.Device != nil {
		device = orPlaceholder(u.Device.Device, NoDevice)
		osName = orPlaceholder(u.Device.OS, NoOS)
		client = orPlaceholder(u.Device.Client, NoClient)
	}
	method("device", device)
	method("os", osName)
	method("client", client)

	L.SetField(tbl, "subdivisions", L.NewFunction(func(L *lua.LState) int {
		subs := L.NewTable()
		for _, s := range subdivisions {
			subs.Append(lua.LString(s))
		}
		L.Push(subs)
		return 1
	}))

	L.SetField(tbl, "has_subdivision", L.NewFunction(func(L *lua.LState) int {
		// Последний аргумент — искомая строка независимо от способа вызова.
		want := L.CheckString(L.GetTop())
		for _, s := range subdivisions {
			if s == want {
				L.Push(lua.LTrue)
				return 1
			}
		}
		L.Push(lua.LFalse)
		return 1
	}))

	return tbl
}

func orPlaceholder(value, placeholder string) string {
	if value == "" {
		return placeholder
	}
	return value
}

// luaRegex — глобал regex(text, pattern): матчинг подстроки по Go-синтаксису
// регулярных выражений. Невалидный шаблон — ошибка исполнения скрипта.
func luaRegex(L *lua.LState) int {
	text := L.CheckString(1)
	pattern := L.CheckString(2)

	re, err := regexp.Compile(pattern)
	if err != nil {
		L.RaiseError("error in 'regex' function")
		return 0
	}
	L.Push(lua.LBool(re.MatchString(text)))
	return 1
}

// luaIsInIpRange — глобал isInIpRange(ip, min, max): проверка, лежит ли IPv4
// в числовом диапазоне [min, max] включительно.
func luaIsInIPRange(L *lua.LState) int {
	ip := L.CheckString(1)
	lo := L.CheckString(2)
	hi := L.CheckString(3)

	ipN, err1 := ipv4ToUint(ip)
	loN, err2 := ipv4ToUint(lo)
	hiN, err3 := ipv4ToUint(hi)
	if err1 != nil || err2 != nil || err3 != nil {
		L.RaiseError("error in 'isInIpRange' function")
		return 0
	}
	L.Push(lua.LBool(loN <= ipN && ipN <= hiN))
	return 1
}

func ipv4ToUint(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("invalid ip %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an ipv4 address: %q", s)
	}
	return binary.BigEndian.Uint32(v4), nil
}
