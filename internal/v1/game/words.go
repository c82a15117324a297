package game

// words is the fixed dictionary the drawer's secret is sampled from.
var words = []string{
	"tree",
	"house",
	"river",
	"mountain",
	"phone",
	"pencil",
	"laptop",
	"camera",
	"bridge",
	"bicycle",
	"guitar",
	"pizza",
	"football",
	"rocket",
	"car",
	"elephant",
	"flower",
	"sun",
	"moon",
	"cloud",
	"boat",
	"castle",
	"train",
	"airplane",
	"robot",
	"glasses",
	"clock",
	"coffee",
	"chair",
	"table",
	"book",
	"banana",
	"apple",
	"shoes",
	"umbrella",
	"window",
	"key",
	"pizza slice",
	"snowman",
	"ice cream",
	"tree house",
	"volcano",
	"light bulb",
	"backpack",
	"telescope",
	"horse",
	"lion",
	"tiger",
	"owl",
	"cat",
	"dog",
	"spider",
	"bridge",
	"road",
	"candle",
	"campfire",
	"cup",
	"hat",
	"ring",
	"watch",
	"map",
	"star",
	"planet",
	"sandcastle",
	"waterfall",
	"kite",
	"panda",
	"snowflake",
	"flower pot",
	"drum",
	"microphone",
	"headphones",
	"sunglasses",
	"rainbow",
	"tree trunk",
	"chocolate",
	"burger",
	"diamond",
	"tower",
	"pyramid",
	"paintbrush",
	"palmtree",
	"fish",
	"whale",
	"shark",
	"submarine",
	"hot air balloon",
	"camera lens",
	"mountain peak",
}
