package samples

// Sample - пример пары "персона + история" для быстрого старта.
type Sample struct {
	Title      string `json:"title"`
	Persona    string `json:"persona"`
	Storyboard string `json:"storyboard"`
}

// All возвращает статический список примеров.
func All() []Sample {
	return samples
}

// ByTitle возвращает пример по заголовку, nil если не найден.
func ByTitle(title string) *Sample {
	for i := range samples {
		if samples[i].Title == title {
			return &samples[i]
		}
	}
	return nil
}

var samples = []Sample{
	{
		Title:      "Renewable Energy Explained",
		Persona:    "A high school student who is environmentally conscious but finds the technical details of energy production confusing. They are active on TikTok and Instagram and respond to clear, energetic, and visually engaging content.",
		Storyboard: `A 60-second video explaining renewable energy. Scene 1: A visual of a spinning wind turbine. Dialogue: "Ever wonder where power comes from?" Scene 2: Sun shining on solar panels. Dialogue: "Solar and wind are clean energy superstars." Scene 3: A graphic showing CO2 emissions reducing. Dialogue: "They fight climate change by cutting pollution." Scene 4: A diverse group of people in a bright, clean city. Dialogue: "A brighter, cleaner future is in our hands."`,
	},
	{
		Title:      "The Problem with Plastic",
		Persona:    "A 30-year-old urban professional who tries to be sustainable but feels overwhelmed by the scale of the plastic problem. They appreciate content that offers practical, actionable solutions without guilt.",
		Storyboard: `A fast-paced, 45-second video about reducing plastic use. Scene 1: A wave in the ocean with plastic bottles floating in it. Dialogue: "Our oceans are choking on plastic." Scene 2: A person choosing a reusable water bottle over a plastic one. Dialogue: "Small changes make a big impact." Scene 3: Close up on fresh produce without plastic packaging. Dialogue: "Choose package-free whenever you can." Scene 4: A person smiling, holding a reusable tote bag. Dialogue: "Join the movement. Reduce and reuse."`,
	},
	{
		Title:      "Impact of Deforestation",
		Persona:    "A 45-year-old who loves nature and documentaries, but isn't fully aware of the connection between consumer products and deforestation. They use Facebook to share interesting articles and videos with their friends.",
		Storyboard: `A 60-second, emotionally resonant video about deforestation. Scene 1: A lush, vibrant rainforest teeming with life. Dialogue: "Forests are the lungs of our planet." Scene 2: A jarring shot of a cleared, barren landscape. Dialogue: "But we are losing them at an alarming rate." Scene 3: A visual connecting a product on a shelf (e.g., palm oil) to the cleared land. Dialogue: "Our choices in the supermarket have a direct impact." Scene 4: A shot of a newly planted sapling. Dialogue: "Support sustainable brands and help our forests grow back."`,
	},
	{
		Title:      "Fast Fashion's Hidden Cost",
		Persona:    "A 22-year-old fashion enthusiast who loves trends but is becoming more aware of the environmental impact of their purchases. They follow fashion influencers on Instagram and are receptive to messages about conscious consumerism.",
		Storyboard: `A stylish, 50-second video about fast fashion. Scene 1: A rack of trendy, cheap clothes. Dialogue: "Love a good deal? So does the planet... or does it?" Scene 2: A landfill overflowing with discarded textiles. Dialogue: "Every year, millions of tons of clothes end up in landfills." Scene 3: A person mending a piece of clothing or shopping at a thrift store. Dialogue: "The most sustainable fashion is the one you already own." Scene 4: A person looking chic in a second-hand outfit. Dialogue: "Wear your values. Choose second-hand, choose quality, choose change."`,
	},
}
