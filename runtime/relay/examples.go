package relay

import (
	"slices"
	"strings"
)

// examplePrompts are the canned analyses exposed by the example endpoints.
var examplePrompts = map[string]string{
	"data-analysis": `Generate a sample dataset of 100 sales records with columns: date, product, quantity, price, region.
Then perform the following analysis:
1. Calculate total revenue by product
2. Find the best performing region
3. Create a visualization showing sales trends over time
4. Calculate summary statistics`,

	"math-computation": `Perform the following mathematical computations:
1. Calculate the first 20 Fibonacci numbers
2. Find all prime numbers between 1 and 100
3. Solve the equation: x^3 - 6x^2 + 11x - 6 = 0
4. Create a plot showing the relationship between x and y where y = sin(x) * e^(-x/10) for x from 0 to 20`,

	"image-generation": `Create the following visualizations:
1. A heatmap showing correlation between random variables
2. A 3D surface plot of z = sin(sqrt(x^2 + y^2))
3. A pie chart showing distribution of fictional market shares
Save each as a separate image.`,
}

// ExamplePrompt returns the prompt of the example called name.
func ExamplePrompt(name string) (string, bool) {
	p, ok := examplePrompts[strings.ToLower(name)]
	return p, ok
}

// ExampleNames returns the sorted example names.
func ExampleNames() []string {
	names := make([]string, 0, len(examplePrompts))
	for n := range examplePrompts {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
