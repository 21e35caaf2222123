package filtervm

// deterministicFixtureJS neutralizes the nondeterministic built-ins.
// Math.random and Date.now return a fixed constant, and Date is
// replaced by a shim that copies the original's static surface property
// by property while routing zero-argument construction to the fixed
// epoch, so `new Date()` is as deterministic as `Date.now()`.
const deterministicFixtureJS = `
Math.random = function() {
    return 0;
};

Date.now = function() {
    return 0;
};

var bind = Function.bind;
var unbind = bind.bind(bind);

function instantiate(constructor, args) {
    return new (unbind(constructor, null).apply(null, args));
}

Date = function (Date) {
    var names = Object.getOwnPropertyNames(Date);
    for (var i = 0; i < names.length; i++) {
        if (names[i] in FixedDate) continue;
        var desc = Object.getOwnPropertyDescriptor(Date, names[i]);
        Object.defineProperty(FixedDate, names[i], desc);
    }

    return FixedDate;

    function FixedDate() {
        if (arguments.length == 0) {
            arguments = [0];
        }
        return instantiate(Date, arguments);
    }
}(Date);
`

// limitedMathJS prunes every Math member outside the fixed allow-list
// and removes the now-redundant Date.now stub.
const limitedMathJS = `
var mathKeep = new Set(["abs", "ceil", "floor", "max", "min", "round", "sign", "trunc", "log", "log10", "log2", "pow",
    "sqrt", "E", "LN10", "LN2", "LOG10E", "LOG2E", "PI", "SQRT1_2", "SQRT2" ]);
for (var fn of Object.getOwnPropertyNames(Math)) {
    if (! mathKeep.has(fn)) {
        delete Math[fn];
    }
}
delete Date.now;
`

// Preamble returns the setup source run once per fresh execution
// context, before any user script. With limitedMath the numeric library
// surface is narrowed to the fixed allow-list. The text is only
// generated here; the lifecycle controller executes it.
func Preamble(limitedMath bool) string {
	if limitedMath {
		return deterministicFixtureJS + limitedMathJS
	}
	return deterministicFixtureJS
}
